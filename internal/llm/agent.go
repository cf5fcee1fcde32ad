package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	agentStreamPath = "/chat/stream"
	maxErrorBody    = 512
)

// AgentClient talks to the Python agent service, which answers
// POST /chat/stream {query, history} with a server-sent event stream whose
// data fields carry tokens.
type AgentClient struct {
	baseURL   string
	tokenPath string
	http      *http.Client
}

// NewAgentClient creates an agent client. tokenPath is a gjson path applied
// to JSON data fields; when empty each data field is the token verbatim.
func NewAgentClient(baseURL, tokenPath string, hc *http.Client) (*AgentClient, error) {
	if baseURL == "" {
		return nil, errors.New("agent base URL is required")
	}
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	return &AgentClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		tokenPath: tokenPath,
		http:      hc,
	}, nil
}

// Name returns the provider name.
func (c *AgentClient) Name() string {
	return string(ProviderAgent)
}

type agentRequest struct {
	Query   string `json:"query"`
	History []Turn `json:"history"`
}

// StreamChat posts the request and relays each event's data as a token.
func (c *AgentClient) StreamChat(ctx context.Context, req *Request, onToken TokenFunc) error {
	history := req.History
	if history == nil {
		history = []Turn{}
	}
	body, err := json.Marshal(agentRequest{Query: req.Query, History: history})
	if err != nil {
		return fmt.Errorf("encoding agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+agentStreamPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	err = readEvents(resp.Body, func(event, data string) error {
		switch {
		case event == "error":
			return fmt.Errorf("agent stream error: %s", data)
		case data == "[DONE]":
			return errStreamDone
		}
		token, ok := c.token(data)
		if !ok || token == "" {
			return nil
		}
		return onToken(token)
	})
	if errors.Is(err, errStreamDone) {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *AgentClient) token(data string) (string, bool) {
	if c.tokenPath == "" || !gjson.Valid(data) {
		return data, true
	}
	r := gjson.Get(data, c.tokenPath)
	if !r.Exists() {
		return "", false
	}
	return r.String(), true
}

var errStreamDone = errors.New("stream done")

// readEvents parses a text/event-stream body and calls fn once per
// dispatched event with its name and data lines joined by newlines.
func readEvents(r io.Reader, fn func(event, data string) error) error {
	reader := bufio.NewReader(r)
	var (
		event   string
		data    []string
		hasData bool
	)
	dispatch := func() error {
		if !hasData {
			event = ""
			return nil
		}
		err := fn(event, strings.Join(data, "\n"))
		event, data, hasData = "", data[:0], false
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if dErr := dispatch(); dErr != nil {
				return dErr
			}
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
				hasData = true
			}
		}

		if errors.Is(err, io.EOF) {
			return dispatch()
		}
	}
}
