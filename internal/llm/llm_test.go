package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/capitalize-ai/chatstream/internal/model"
)

func collect(t *testing.T, c Client, req *Request) ([]string, error) {
	t.Helper()
	var tokens []string
	err := c.StreamChat(context.Background(), req, func(token string) error {
		tokens = append(tokens, token)
		return nil
	})
	return tokens, err
}

func TestAgentClientStreamsTokens(t *testing.T) {
	var got agentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/stream" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: H\n\n")
		fmt.Fprint(w, "data:  there\r\n\r\n")
		fmt.Fprint(w, "data: line one\ndata: line two\n\n")
		fmt.Fprint(w, "data: tail")
	}))
	defer srv.Close()

	c, err := NewAgentClient(srv.URL+"/", "", srv.Client())
	if err != nil {
		t.Fatalf("NewAgentClient() error = %v", err)
	}
	tokens, err := collect(t, c, &Request{
		Query:   "Hello",
		History: HistoryFromEntries([]model.ContextEntry{{Role: model.RoleUser, Content: "earlier"}}),
	})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}

	want := []string{"H", " there", "line one\nline two", "tail"}
	if fmt.Sprintf("%q", tokens) != fmt.Sprintf("%q", want) {
		t.Errorf("tokens = %q, want %q", tokens, want)
	}
	if got.Query != "Hello" || len(got.History) != 1 || got.History[0].Content != "earlier" {
		t.Errorf("request body = %+v", got)
	}
}

func TestAgentClientTokenPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"delta\":{\"text\":\"Hi\"}}\n\n")
		fmt.Fprint(w, "data: {\"usage\":{\"tokens\":3}}\n\n")
		fmt.Fprint(w, "data: {\"delta\":{\"text\":\"!\"}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"delta\":{\"text\":\"ignored\"}}\n\n")
	}))
	defer srv.Close()

	c, err := NewAgentClient(srv.URL, "delta.text", srv.Client())
	if err != nil {
		t.Fatalf("NewAgentClient() error = %v", err)
	}
	tokens, err := collect(t, c, &Request{Query: "q"})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if strings.Join(tokens, "") != "Hi!" {
		t.Errorf("tokens = %q, want Hi!", tokens)
	}
}

func TestAgentClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		tokens  string
		wantErr string
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			},
			wantErr: "agent returned 503: model overloaded",
		},
		{
			name: "error event",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "data: par\n\n")
				fmt.Fprint(w, "event: error\ndata: boom\n\n")
			},
			tokens:  "par",
			wantErr: "agent stream error: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c, err := NewAgentClient(srv.URL, "", srv.Client())
			if err != nil {
				t.Fatalf("NewAgentClient() error = %v", err)
			}
			tokens, err := collect(t, c, &Request{Query: "q"})
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("StreamChat() error = %v, want %q", err, tt.wantErr)
			}
			if strings.Join(tokens, "") != tt.tokens {
				t.Errorf("tokens = %q, want %q", tokens, tt.tokens)
			}
		})
	}
}

func TestAgentClientCallbackErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, tok := range []string{"a", "b", "c"} {
			fmt.Fprintf(w, "data: %s\n\n", tok)
		}
	}))
	defer srv.Close()

	c, err := NewAgentClient(srv.URL, "", srv.Client())
	if err != nil {
		t.Fatalf("NewAgentClient() error = %v", err)
	}
	stop := errors.New("client gone")
	var seen []string
	err = c.StreamChat(context.Background(), &Request{Query: "q"}, func(token string) error {
		seen = append(seen, token)
		if token == "b" {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("StreamChat() error = %v, want %v", err, stop)
	}
	if strings.Join(seen, "") != "ab" {
		t.Errorf("seen = %q, want ab", seen)
	}
}

func TestAgentClientCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewAgentClient(srv.URL, "", srv.Client())
	if err != nil {
		t.Fatalf("NewAgentClient() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = c.StreamChat(ctx, &Request{Query: "q"}, func(token string) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("StreamChat() error = %v, want context.Canceled", err)
	}
}

func TestMockClient(t *testing.T) {
	tokens, err := collect(t, NewMockClient(time.Millisecond), &Request{Query: "hi"})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if strings.Join(tokens, "") != "You said: hi" || len(tokens) != len("You said: hi") {
		t.Errorf("tokens = %q", tokens)
	}
}

func TestAlternate(t *testing.T) {
	got := alternate([]Turn{
		{Role: "assistant", Content: "orphan"},
		{Role: "user", Content: "a"},
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "c"},
		{Role: "user", Content: "d"},
	})
	want := []Turn{
		{Role: "user", Content: "a\n\nb"},
		{Role: "assistant", Content: "c"},
		{Role: "user", Content: "d"},
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("alternate() = %v, want %v", got, want)
	}
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient(Options{Provider: "bogus"}); err == nil {
		t.Error("NewClient() expected error for unknown provider")
	}
	c, err := NewClient(Options{Provider: ProviderAgent, BaseURL: "http://agent:8000"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.Name() != "agent" {
		t.Errorf("Name() = %q", c.Name())
	}
	if _, err := NewClient(Options{Provider: ProviderOpenAI}); err == nil {
		t.Error("NewClient() expected error without OpenAI key")
	}
}
