package postgres

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/chatstream/internal/store"
	"github.com/capitalize-ai/chatstream/internal/store/storetest"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

func TestStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	if err := RunMigrations(url, &logger.Logger{Logger: zaptest.NewLogger(t)}); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{URL: url, MaxConns: 4})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(pool.Close)

	storetest.Run(t, func(t *testing.T) store.Store {
		if _, err := pool.Exec(ctx, `TRUNCATE chat_messages, chat_sessions`); err != nil {
			t.Fatalf("truncate error = %v", err)
		}
		return New(pool)
	})
}

func TestLikePattern(t *testing.T) {
	tests := map[string]string{
		"":       "",
		"  ":     "",
		"trip":   "%trip%",
		"50%":    `%50\%%`,
		"a_b":    `%a\_b%`,
		`back\s`: `%back\\s%`,
	}
	for in, want := range tests {
		if got := likePattern(in); got != want {
			t.Errorf("likePattern(%q) = %q, want %q", in, got, want)
		}
	}
}
