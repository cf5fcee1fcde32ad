package guard

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/store/memory"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []model.SessionEvent
}

func (a *recordingAuditor) Publish(_ context.Context, e *model.SessionEvent) error {
	a.mu.Lock()
	a.events = append(a.events, *e)
	a.mu.Unlock()
	return nil
}

func setup(t *testing.T) (*OwnershipGuard, *memory.Store, *recordingAuditor) {
	t.Helper()
	st := memory.New()
	audit := &recordingAuditor{}
	return New(st, audit, &logger.Logger{Logger: zaptest.NewLogger(t)}), st, audit
}

func TestCheckOwner(t *testing.T) {
	ctx := context.Background()
	g, st, audit := setup(t)

	active, err := st.Create(ctx, "alice", "mine", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	deleted, err := st.Create(ctx, "alice", "old", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := st.SoftDelete(ctx, deleted.ID); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}

	tests := []struct {
		name      string
		sessionID string
		caller    string
		wantErr   error
	}{
		{name: "owner", sessionID: active.ID, caller: "alice"},
		{name: "other user", sessionID: active.ID, caller: "mallory", wantErr: model.ErrForbidden},
		{name: "deleted own", sessionID: deleted.ID, caller: "alice", wantErr: model.ErrGone},
		{name: "deleted other", sessionID: deleted.ID, caller: "mallory", wantErr: model.ErrGone},
		{name: "missing", sessionID: uuid.NewString(), caller: "alice", wantErr: model.ErrNotFound},
		{name: "no identity", sessionID: active.ID, caller: "", wantErr: model.ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := g.CheckOwner(ctx, tt.sessionID, tt.caller)
			if tt.wantErr == nil {
				if err != nil || sess == nil || sess.ID != tt.sessionID {
					t.Fatalf("CheckOwner() = %v, %v", sess, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckOwner() error = %v, want %v", err, tt.wantErr)
			}
			if sess != nil {
				t.Errorf("CheckOwner() returned session %s on failure", sess.ID)
			}
		})
	}

	if len(audit.events) != 3 {
		t.Fatalf("audit events = %d, want 3", len(audit.events))
	}
	if e := audit.events[0]; e.Type != model.EventAccessDenied || e.Reason != "forbidden" || e.ActorID != "mallory" {
		t.Errorf("first audit event = %+v", e)
	}
}

func TestNonOwnerNeverSeesSession(t *testing.T) {
	ctx := context.Background()
	g, st, _ := setup(t)

	for i := 0; i < 4; i++ {
		sess, err := st.Create(ctx, "owner", "s", nil)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if i%2 == 1 {
			if err := st.SoftDelete(ctx, sess.ID); err != nil {
				t.Fatalf("SoftDelete() error = %v", err)
			}
		}
		for _, check := range []func(context.Context, string, string) (*model.ChatSession, error){g.CheckOwner, g.CheckOwnerAllowDeleted} {
			got, err := check(ctx, sess.ID, "intruder")
			if got != nil {
				t.Fatalf("non-owner received session %s", got.ID)
			}
			if !errors.Is(err, model.ErrForbidden) && !errors.Is(err, model.ErrGone) {
				t.Fatalf("non-owner error = %v, want Forbidden or Gone", err)
			}
		}
	}
}

func TestCheckOwnerAllowDeleted(t *testing.T) {
	ctx := context.Background()
	g, st, _ := setup(t)

	sess, err := st.Create(ctx, "alice", "old", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := st.SoftDelete(ctx, sess.ID); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}

	got, err := g.CheckOwnerAllowDeleted(ctx, sess.ID, "alice")
	if err != nil {
		t.Fatalf("CheckOwnerAllowDeleted() error = %v", err)
	}
	if got.Status != model.SessionDeleted {
		t.Errorf("Status = %q, want deleted", got.Status)
	}
}
