package handler

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

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/chatstream/internal/cache"
	"github.com/capitalize-ai/chatstream/internal/guard"
	"github.com/capitalize-ai/chatstream/internal/llm"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/relay"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/internal/store/memory"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

const testSecret = "handler-test-secret"

// fakeGenerator streams tokens after an optional pause, then returns err.
type fakeGenerator struct {
	tokens []string
	pause  time.Duration
	err    error
}

func (g *fakeGenerator) StreamChat(ctx context.Context, _ *llm.Request, onToken llm.TokenFunc) error {
	if g.pause > 0 {
		select {
		case <-time.After(g.pause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, tok := range g.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return g.err
}

func (g *fakeGenerator) Name() string { return "fake" }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, gen llm.Client, heartbeat time.Duration) http.Handler {
	t.Helper()
	log := &logger.Logger{Logger: zaptest.NewLogger(t)}
	st := memory.New()
	window := cache.New(cache.NewMemoryBackend(), st, cache.Config{}, log)
	g := guard.New(st, nil, log)
	r := relay.New(relay.Deps{
		Sessions:  st,
		Messages:  st,
		Window:    window,
		Guard:     g,
		Generator: gen,
	}, relay.Config{}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})

	return NewRouter(RouterConfig{
		Service:        service.NewChatService(st, g, window, r, nil, log),
		Checks:         map[string]Pinger{"store": pingFunc(func(context.Context) error { return nil })},
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"*"},
		Heartbeat:      heartbeat,
		Logger:         log,
	})
}

func bearer(t *testing.T, user string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return "Bearer " + token
}

func do(t *testing.T, h http.Handler, user, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", bearer(t, user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Decode() error = %v (body %q)", err, rec.Body.String())
	}
	return v
}

type sseEvent struct {
	name string
	data string
}

// parseSSE splits a recorded event stream into events. Comment lines are
// returned with name ":".
func parseSSE(body string) []sseEvent {
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		if block == "" {
			continue
		}
		ev := sseEvent{}
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, ":"):
				ev.name = ":"
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, &fakeGenerator{}, 0)

	if rec := do(t, h, "", http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d", rec.Code)
	}
	if rec := do(t, h, "", http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /ready status = %d", rec.Code)
	}
}

func TestReadyFailing(t *testing.T) {
	hh := NewHealthHandler(map[string]Pinger{
		"cache": pingFunc(func(context.Context) error { return errors.New("down") }),
	})
	rec := httptest.NewRecorder()
	hh.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRequiresAuth(t *testing.T) {
	h := newTestRouter(t, &fakeGenerator{}, 0)
	if rec := do(t, h, "", http.MethodGet, "/api/v1/chat/sessions", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSessionEndpoints(t *testing.T) {
	h := newTestRouter(t, &fakeGenerator{}, 0)

	rec := do(t, h, "alice", http.MethodPost, "/api/v1/chat/sessions", `{"title":"Trip"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	sess := decode[model.ChatSession](t, rec)
	path := "/api/v1/chat/sessions/" + sess.ID

	rec = do(t, h, "alice", http.MethodPost, "/api/v1/chat/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create without body status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decode[model.ChatSession](t, rec); got.Title != model.DefaultSessionTitle {
		t.Errorf("default title = %q", got.Title)
	}

	rec = do(t, h, "alice", http.MethodGet, "/api/v1/chat/sessions?keyword=tri&size=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if page := decode[model.SessionPage](t, rec); page.Total != 1 || page.Sessions[0].ID != sess.ID {
		t.Errorf("list = %+v", page)
	}

	rec = do(t, h, "alice", http.MethodPatch, path, `{"title":"Trip to Rome"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decode[model.ChatSession](t, rec); got.Title != "Trip to Rome" {
		t.Errorf("renamed title = %q", got.Title)
	}

	rec = do(t, h, "mallory", http.MethodGet, path, "")
	forbiddenBody := rec.Body.String()
	if rec.Code != http.StatusForbidden || !strings.Contains(forbiddenBody, notAccessible) {
		t.Errorf("foreign get = %d %s", rec.Code, forbiddenBody)
	}

	if rec = do(t, h, "alice", http.MethodDelete, path, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec = do(t, h, "alice", http.MethodDelete, path, ""); rec.Code != http.StatusNoContent {
		t.Errorf("second delete status = %d", rec.Code)
	}

	rec = do(t, h, "alice", http.MethodGet, path, "")
	if rec.Code != http.StatusForbidden || rec.Body.String() != forbiddenBody {
		t.Errorf("deleted get = %d %q, want the forbidden response", rec.Code, rec.Body)
	}

	rec = do(t, h, "alice", http.MethodGet, "/api/v1/chat/sessions/0190a5c4-7b1e-7000-8000-000000000000", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown get status = %d", rec.Code)
	}
	rec = do(t, h, "alice", http.MethodGet, "/api/v1/chat/sessions/nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
	rec = do(t, h, "alice", http.MethodPatch, path, `{"title":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rec.Code)
	}
}

func TestCompletionsNewSession(t *testing.T) {
	h := newTestRouter(t, &fakeGenerator{tokens: []string{"Hel", "lo", "!"}}, 0)

	rec := do(t, h, "alice", http.MethodPost, "/api/v1/chat/completions", `{"content":"Hi there"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := parseSSE(rec.Body.String())
	if len(events) != 5 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	var frames []model.StreamEvent
	for _, ev := range events {
		if ev.name != "" {
			t.Fatalf("unexpected event %+v", ev)
		}
		var f model.StreamEvent
		if err := json.Unmarshal([]byte(ev.data), &f); err != nil {
			t.Fatalf("Unmarshal(%q) error = %v", ev.data, err)
		}
		frames = append(frames, f)
	}

	first := frames[0]
	if first.SessionID == "" || first.MessageID == "" || first.Text != "" || first.Finish {
		t.Errorf("first frame = %+v", first)
	}
	var text strings.Builder
	for _, f := range frames[1:4] {
		text.WriteString(f.Text)
	}
	if text.String() != "Hello!" {
		t.Errorf("streamed text = %q", text.String())
	}
	if !frames[4].Finish {
		t.Errorf("last frame = %+v, want finish", frames[4])
	}

	rec = do(t, h, "alice", http.MethodGet, fmt.Sprintf("/api/v1/chat/sessions/%s/messages", first.SessionID), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("messages status = %d", rec.Code)
	}
	resp := decode[model.ListMessagesResponse](t, rec)
	if len(resp.Messages) != 2 || resp.Messages[1].ID != first.MessageID || resp.Messages[1].Content != "Hello!" {
		t.Errorf("messages = %+v", resp.Messages)
	}
}

func TestCompletionsFailure(t *testing.T) {
	h := newTestRouter(t, &fakeGenerator{tokens: []string{"par"}, err: errors.New("backend exploded")}, 0)

	rec := do(t, h, "alice", http.MethodPost, "/api/v1/chat/completions", `{"content":"Hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	events := parseSSE(rec.Body.String())
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("last event = %+v, want error", last)
	}
	if strings.Contains(last.data, "exploded") {
		t.Errorf("error event leaks backend detail: %s", last.data)
	}
	var e model.ErrorEvent
	if err := json.Unmarshal([]byte(last.data), &e); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if e.Code != "upstream_error" {
		t.Errorf("code = %q", e.Code)
	}
	for _, ev := range events {
		if strings.Contains(ev.data, `"finish":true`) {
			t.Error("failed stream sent a finish frame")
		}
	}
}

func TestCompletionsRejected(t *testing.T) {
	h := newTestRouter(t, &fakeGenerator{tokens: []string{"x"}}, 0)

	rec := do(t, h, "alice", http.MethodPost, "/api/v1/chat/sessions", "")
	sess := decode[model.ChatSession](t, rec)

	tests := []struct {
		name       string
		user       string
		body       string
		wantStatus int
	}{
		{name: "blank content", user: "alice", body: `{"content":"   "}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", user: "alice", body: `{"content":`, wantStatus: http.StatusBadRequest},
		{name: "foreign session", user: "mallory", body: `{"session_id":"` + sess.ID + `","content":"hi"}`, wantStatus: http.StatusForbidden},
		{name: "too many photos", user: "alice", body: `{"content":"hi","photos":["1","2","3","4","5","6","7","8","9","10"]}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.user, http.MethodPost, "/api/v1/chat/completions", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want JSON error", ct)
			}
		})
	}
}

func TestCompletionsHeartbeat(t *testing.T) {
	h := newTestRouter(t, &fakeGenerator{tokens: []string{"late"}, pause: 100 * time.Millisecond}, 10*time.Millisecond)

	rec := do(t, h, "alice", http.MethodPost, "/api/v1/chat/completions", `{"content":"Hi"}`)
	heartbeats := 0
	for _, ev := range parseSSE(rec.Body.String()) {
		if ev.name == ":" {
			heartbeats++
		}
	}
	if heartbeats == 0 {
		t.Errorf("no heartbeat in %q", rec.Body)
	}
}

func TestCancelIdle(t *testing.T) {
	h := newTestRouter(t, &fakeGenerator{}, 0)
	rec := do(t, h, "alice", http.MethodPost, "/api/v1/chat/sessions", "")
	sess := decode[model.ChatSession](t, rec)

	rec = do(t, h, "alice", http.MethodPost, "/api/v1/chat/sessions/"+sess.ID+"/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestWriteServiceError(t *testing.T) {
	log := &logger.Logger{Logger: zaptest.NewLogger(t)}
	tests := []struct {
		err  error
		want int
	}{
		{model.Invalid("content", "cannot be empty"), http.StatusBadRequest},
		{model.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("session x: %w", model.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("session x: %w", model.ErrGone), http.StatusForbidden},
		{model.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("session x: %w", model.ErrConcurrentSend), http.StatusConflict},
		{fmt.Errorf("message x: %w", model.ErrConflict), http.StatusConflict},
		{relay.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, log, tt.err)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
