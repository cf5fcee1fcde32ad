package llm

import (
	"context"
	"time"
)

// MockClient echoes the query back one rune at a time. It needs no
// backend and is meant for local development.
type MockClient struct {
	delay time.Duration
}

// NewMockClient creates a mock that waits delay between runes.
func NewMockClient(delay time.Duration) *MockClient {
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	return &MockClient{delay: delay}
}

// Name returns the provider name.
func (c *MockClient) Name() string {
	return string(ProviderMock)
}

// StreamChat streams "You said: <query>".
func (c *MockClient) StreamChat(ctx context.Context, req *Request, onToken TokenFunc) error {
	timer := time.NewTimer(c.delay)
	defer timer.Stop()

	for _, r := range "You said: " + req.Query {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := onToken(string(r)); err != nil {
			return err
		}
		timer.Reset(c.delay)
	}
	return nil
}
