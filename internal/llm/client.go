// Package llm provides generation backend clients that stream reply tokens.
package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/capitalize-ai/chatstream/internal/model"
)

// Turn is one history entry sent with a request.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request asks for a reply to Query, given the prior turns in History
// (oldest first).
type Request struct {
	Query       string
	History     []Turn
	Model       string
	MaxTokens   int
	Temperature float64
}

// TokenFunc receives each token in arrival order. Returning an error stops
// the stream and StreamChat returns that error.
type TokenFunc func(token string) error

// Client is the interface for generation backends.
type Client interface {
	// StreamChat calls onToken for every token and returns nil once the
	// backend signals end of stream.
	StreamChat(ctx context.Context, req *Request, onToken TokenFunc) error

	// Name returns the provider name.
	Name() string
}

// Provider is the type of generation backend.
type Provider string

const (
	ProviderAgent     Provider = "agent"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderMock      Provider = "mock"
)

// Options selects and configures a backend.
type Options struct {
	Provider   Provider
	BaseURL    string
	TokenPath  string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a client for the configured provider.
func NewClient(opts Options) (Client, error) {
	switch opts.Provider {
	case ProviderAgent, "":
		return NewAgentClient(opts.BaseURL, opts.TokenPath, opts.HTTPClient)
	case ProviderAnthropic:
		return NewAnthropicClient(opts.APIKey)
	case ProviderOpenAI:
		return NewOpenAIClient(opts.APIKey)
	case ProviderMock:
		return NewMockClient(0), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", opts.Provider)
	}
}

// HistoryFromEntries converts a context window to request history.
func HistoryFromEntries(entries []model.ContextEntry) []Turn {
	turns := make([]Turn, len(entries))
	for i, e := range entries {
		turns[i] = Turn{Role: string(e.Role), Content: e.Content}
	}
	return turns
}

// conversation is the history followed by the query as a user turn.
func conversation(req *Request) []Turn {
	turns := make([]Turn, 0, len(req.History)+1)
	turns = append(turns, req.History...)
	return append(turns, Turn{Role: string(model.RoleUser), Content: req.Query})
}
