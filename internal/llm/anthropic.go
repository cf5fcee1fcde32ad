package llm

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/chatstream/internal/model"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicClient streams replies from the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// StreamChat sends the conversation and relays text deltas.
func (c *AnthropicClient) StreamChat(ctx context.Context, req *Request, onToken TokenFunc) error {
	modelName := req.Model
	if modelName == "" {
		modelName = defaultAnthropicModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	turns := alternate(conversation(req))
	messages := make([]anthropic.MessageParam, len(turns))
	for i, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == string(model.RoleAssistant) {
			messages[i] = anthropic.NewAssistantMessage(block)
		} else {
			messages[i] = anthropic.NewUserMessage(block)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(modelName)),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.F(req.Temperature)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch delta := event.Delta.(type) {
		case anthropic.ContentBlockDeltaEventDelta:
			if delta.Text == "" {
				continue
			}
			if err := onToken(delta.Text); err != nil {
				return err
			}
		}
	}

	return stream.Err()
}

// alternate reshapes turns for an API that requires the conversation to
// start with a user turn and alternate roles: leading assistant turns are
// dropped and consecutive turns of one role are merged.
func alternate(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if len(out) == 0 && t.Role != string(model.RoleUser) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, t)
	}
	return out
}
