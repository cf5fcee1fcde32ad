package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/store/memory"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

type countingLoader struct {
	*memory.Store
	loads atomic.Int32
}

func (l *countingLoader) LoadRecent(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	l.loads.Add(1)
	return l.Store.LoadRecent(ctx, sessionID, n)
}

// gatedLoader holds each load until release is closed and fails loads
// whose context has ended.
type gatedLoader struct {
	*memory.Store
	started  chan struct{}
	release  chan struct{}
	deadline atomic.Bool
}

func (l *gatedLoader) LoadRecent(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	_, ok := ctx.Deadline()
	l.deadline.Store(ok)
	close(l.started)
	<-l.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Store.LoadRecent(ctx, sessionID, n)
}

func testLogger(t *testing.T) *logger.Logger {
	return &logger.Logger{Logger: zaptest.NewLogger(t)}
}

func newSession(t *testing.T, s *memory.Store) string {
	t.Helper()
	sess, err := s.Create(context.Background(), "owner", "chat", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return sess.ID
}

// turn persists a message and appends it to the cache, the way a send does.
func turn(t *testing.T, c *ContextCache, s *memory.Store, sessionID string, role model.Role, content string) {
	t.Helper()
	ctx := context.Background()
	msg, err := s.Append(ctx, &model.ChatMessage{SessionID: sessionID, Role: role, Content: content})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := c.Append(ctx, sessionID, model.EntryFromMessage(msg)); err != nil {
		t.Fatalf("cache Append() error = %v", err)
	}
}

func sameContents(t *testing.T, got []model.ContextEntry, want []model.ChatMessage) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("window has %d entries, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Errorf("entry %d = {%s %q}, want {%s %q}", i, got[i].Role, got[i].Content, want[i].Role, want[i].Content)
		}
	}
}

func TestGetColdThenWarm(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	loader := &countingLoader{Store: st}
	c := New(NewMemoryBackend(), loader, Config{Size: 4}, testLogger(t))

	sessionID := newSession(t, st)
	for i := 0; i < 3; i++ {
		if _, err := st.Append(ctx, &model.ChatMessage{SessionID: sessionID, Role: model.RoleUser, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	first, err := c.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := c.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if loader.loads.Load() != 1 {
		t.Errorf("store loads = %d, want 1", loader.loads.Load())
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("windows = %v / %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("entry %d differs: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestGetEmptyWindowIsCached(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	loader := &countingLoader{Store: st}
	c := New(NewMemoryBackend(), loader, Config{Size: 4}, testLogger(t))

	sessionID := newSession(t, st)
	for i := 0; i < 3; i++ {
		window, err := c.Get(ctx, sessionID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if len(window) != 0 {
			t.Fatalf("Get() = %v, want empty", window)
		}
	}
	if loader.loads.Load() != 1 {
		t.Errorf("store loads = %d, want 1", loader.loads.Load())
	}
}

func TestAppendKeepsNewestEntries(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	c := New(NewMemoryBackend(), st, Config{Size: 20}, testLogger(t))
	sessionID := newSession(t, st)

	for i := 0; i < 25; i++ {
		turn(t, c, st, sessionID, model.RoleUser, fmt.Sprintf("q%d", i))
		turn(t, c, st, sessionID, model.RoleAssistant, fmt.Sprintf("a%d", i))
	}

	window, err := c.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	recent, err := st.LoadRecent(ctx, sessionID, 20)
	if err != nil {
		t.Fatalf("LoadRecent() error = %v", err)
	}
	sameContents(t, window, recent)
	if window[0].Content != "q15" || window[19].Content != "a24" {
		t.Errorf("window spans %q..%q, want q15..a24", window[0].Content, window[19].Content)
	}

	all, _, err := st.ListBySession(ctx, sessionID, 100, "")
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(all) != 50 || all[0].Content != "q0" {
		t.Errorf("store holds %d messages starting %q, want 50 starting q0", len(all), all[0].Content)
	}
}

func TestAppendAfterColdFillDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	c := New(NewMemoryBackend(), st, Config{Size: 10}, testLogger(t))
	sessionID := newSession(t, st)

	msg, err := st.Append(ctx, &model.ChatMessage{SessionID: sessionID, Role: model.RoleUser, Content: "Hello"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := c.Append(ctx, sessionID, model.EntryFromMessage(msg)); err != nil {
		t.Fatalf("cache Append() error = %v", err)
	}
	if err := c.Append(ctx, sessionID, model.EntryFromMessage(msg)); err != nil {
		t.Fatalf("retried cache Append() error = %v", err)
	}

	window, err := c.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(window) != 1 || window[0].Content != "Hello" {
		t.Errorf("window = %v, want single Hello entry", window)
	}
}

func TestColdFillSkipsUnfinishedAssistantTurns(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	c := New(NewMemoryBackend(), st, Config{Size: 10}, testLogger(t))
	sessionID := newSession(t, st)

	for _, m := range []model.ChatMessage{
		{Role: model.RoleUser, Content: "one"},
		{Role: model.RoleAssistant, Content: "par", Status: model.MessagePartial},
		{Role: model.RoleUser, Content: "two"},
		{Role: model.RoleAssistant, Content: "", Status: model.MessagePending},
	} {
		m.SessionID = sessionID
		if _, err := st.Append(ctx, &m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	window, err := c.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(window) != 2 || window[0].Content != "one" || window[1].Content != "two" {
		t.Errorf("window = %v, want [one two]", window)
	}
}

func TestWindowExpires(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	loader := &countingLoader{Store: st}
	backend := NewMemoryBackend()
	now := time.Now()
	backend.now = func() time.Time { return now }
	c := New(backend, loader, Config{Size: 5, TTL: time.Minute}, testLogger(t))
	sessionID := newSession(t, st)

	if _, err := c.Get(ctx, sessionID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	now = now.Add(50 * time.Second)
	if _, err := c.Get(ctx, sessionID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	now = now.Add(50 * time.Second)
	if _, err := c.Get(ctx, sessionID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := loader.loads.Load(); got != 1 {
		t.Fatalf("loads after refreshed reads = %d, want 1", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, sessionID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := loader.loads.Load(); got != 2 {
		t.Errorf("loads after expiry = %d, want 2", got)
	}
}

type failingBackend struct{ *MemoryBackend }

var errBackendDown = errors.New("backend down")

func (failingBackend) Load(context.Context, string) ([]model.ContextEntry, bool, error) {
	return nil, false, errBackendDown
}

func TestGetFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	c := New(failingBackend{NewMemoryBackend()}, st, Config{Size: 5}, testLogger(t))
	sessionID := newSession(t, st)
	if _, err := st.Append(ctx, &model.ChatMessage{SessionID: sessionID, Role: model.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	window, err := c.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(window) != 1 || window[0].Content != "hi" {
		t.Errorf("window = %v", window)
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	loader := &countingLoader{Store: st}
	c := New(NewMemoryBackend(), loader, Config{}, testLogger(t))
	sessionID := newSession(t, st)

	if _, err := c.Get(ctx, sessionID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := c.Invalidate(ctx, sessionID); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := c.Get(ctx, sessionID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := loader.loads.Load(); got != 2 {
		t.Errorf("loads = %d, want 2", got)
	}
	if c.Size() != DefaultSize {
		t.Errorf("Size() = %d, want default %d", c.Size(), DefaultSize)
	}
}

func TestFillSurvivesCancelledReader(t *testing.T) {
	st := memory.New()
	sessionID := newSession(t, st)
	if _, err := st.Append(context.Background(), &model.ChatMessage{SessionID: sessionID, Role: model.RoleUser, Content: "Hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	loader := &gatedLoader{Store: st, started: make(chan struct{}), release: make(chan struct{})}
	c := New(NewMemoryBackend(), loader, Config{Size: 4}, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		entries []model.ContextEntry
		err     error
	}
	done := make(chan result, 1)
	go func() {
		entries, err := c.Get(ctx, sessionID)
		done <- result{entries, err}
	}()

	<-loader.started
	cancel()
	close(loader.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("Get() error = %v", res.err)
	}
	if len(res.entries) != 1 || res.entries[0].Content != "Hello" {
		t.Errorf("Get() = %+v", res.entries)
	}
	if !loader.deadline.Load() {
		t.Error("fill ran without a deadline")
	}

	// The rebuilt window was stored, so this read does not load again.
	entries, err := c.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("warm Get() = %+v", entries)
	}
}
