// Package storetest holds behavioural tests shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the SessionStore and MessageStore contracts.
func Run(t *testing.T, newStore Factory) {
	t.Run("session lifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("list active", func(t *testing.T) { testListActive(t, newStore(t)) })
	t.Run("append", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("list by session", func(t *testing.T) { testListBySession(t, newStore(t)) })
	t.Run("load recent", func(t *testing.T) { testLoadRecent(t, newStore(t)) })
	t.Run("update content", func(t *testing.T) { testUpdateContent(t, newStore(t)) })
}

func testSessionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	sess, err := s.Create(ctx, "user-1", "First", map[string]any{"source": "web"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.ID == "" || sess.Status != model.SessionActive {
		t.Fatalf("Create() = %+v, want active session with ID", sess)
	}

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "First" || got.OwnerID != "user-1" || got.Metadata["source"] != "web" {
		t.Errorf("Get() = %+v", got)
	}

	renamed, err := s.Rename(ctx, sess.ID, "Second")
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if renamed.Title != "Second" || renamed.UpdatedAt.Before(sess.UpdatedAt) {
		t.Errorf("Rename() = %+v", renamed)
	}

	if err := s.SoftDelete(ctx, sess.ID); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if err := s.SoftDelete(ctx, sess.ID); err != nil {
		t.Fatalf("second SoftDelete() error = %v", err)
	}
	got, err = s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() after delete error = %v", err)
	}
	if got.Status != model.SessionDeleted {
		t.Errorf("Status = %q, want deleted", got.Status)
	}

	if _, err := s.Rename(ctx, sess.ID, "Third"); !errors.Is(err, model.ErrGone) {
		t.Errorf("Rename() on deleted error = %v, want ErrGone", err)
	}
	if err := s.Touch(ctx, sess.ID); !errors.Is(err, model.ErrGone) {
		t.Errorf("Touch() on deleted error = %v, want ErrGone", err)
	}

	missing := uuid.NewString()
	if _, err := s.Get(ctx, missing); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get() missing error = %v, want ErrNotFound", err)
	}
	if err := s.SoftDelete(ctx, missing); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("SoftDelete() missing error = %v, want ErrNotFound", err)
	}
}

func testListActive(t *testing.T, s store.Store) {
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		sess, err := s.Create(ctx, "owner", fmt.Sprintf("Trip %d", i), nil)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		ids = append(ids, sess.ID)
	}
	if _, err := s.Create(ctx, "owner", "Groceries", nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Create(ctx, "someone-else", "Trip elsewhere", nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.SoftDelete(ctx, ids[4]); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if err := s.Touch(ctx, ids[0]); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	page, err := s.ListActive(ctx, "owner", store.ListFilter{Keyword: "trip"}, store.Page{Number: 1, Size: 3})
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if page.Total != 4 || !page.HasMore || len(page.Sessions) != 3 {
		t.Fatalf("ListActive() total=%d hasMore=%v len=%d, want 4 true 3", page.Total, page.HasMore, len(page.Sessions))
	}
	if page.Sessions[0].ID != ids[0] {
		t.Errorf("first session = %s, want touched session %s", page.Sessions[0].ID, ids[0])
	}
	if page.Sessions[1].ID != ids[3] || page.Sessions[2].ID != ids[2] {
		t.Errorf("order = %s,%s, want %s,%s", page.Sessions[1].ID, page.Sessions[2].ID, ids[3], ids[2])
	}

	page, err = s.ListActive(ctx, "owner", store.ListFilter{Keyword: "trip"}, store.Page{Number: 2, Size: 3})
	if err != nil {
		t.Fatalf("ListActive() page 2 error = %v", err)
	}
	if len(page.Sessions) != 1 || page.HasMore || page.Sessions[0].ID != ids[1] {
		t.Errorf("page 2 = %+v", page)
	}

	page, err = s.ListActive(ctx, "owner", store.ListFilter{}, store.Page{})
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if page.Total != 5 || page.Size != store.DefaultPageSize {
		t.Errorf("ListActive() total=%d size=%d, want 5 %d", page.Total, page.Size, store.DefaultPageSize)
	}
}

func testAppend(t *testing.T, s store.Store) {
	ctx := context.Background()

	sess, err := s.Create(ctx, "owner", "chat", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	photo, err := s.Append(ctx, &model.ChatMessage{
		SessionID: sess.ID,
		Role:      model.RoleUser,
		Content:   "look",
		Photos:    []string{"https://cdn.example.com/p.png"},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if photo.ID == "" || photo.Category != model.CategoryTextWithPhoto || photo.Status != model.MessageComplete {
		t.Errorf("Append() = %+v", photo)
	}

	file, err := s.Append(ctx, &model.ChatMessage{
		SessionID: sess.ID,
		Role:      model.RoleUser,
		Content:   "read",
		Files:     []map[string]any{{"url": "https://cdn.example.com/f.pdf", "name": "f.pdf"}},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if file.Category != model.CategoryTextWithFile || file.CreatedAt.Before(photo.CreatedAt) {
		t.Errorf("Append() = %+v", file)
	}

	again, err := s.Append(ctx, &model.ChatMessage{ID: file.ID, SessionID: sess.ID, Role: model.RoleUser, Content: "changed"})
	if err != nil {
		t.Fatalf("Append() retry error = %v", err)
	}
	if again.Content != "read" {
		t.Errorf("retried Append() content = %q, want original", again.Content)
	}
	msgs, err := s.LoadRecent(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("LoadRecent() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("len(messages) = %d after retry, want 2", len(msgs))
	}
	if len(msgs) > 1 && (msgs[1].Files[0]["name"] != "f.pdf" || msgs[0].Photos[0] != "https://cdn.example.com/p.png") {
		t.Errorf("attachments not round-tripped: %+v", msgs)
	}

	if _, err := s.Append(ctx, &model.ChatMessage{SessionID: uuid.NewString(), Role: model.RoleUser, Content: "x"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Append() unknown session error = %v, want ErrNotFound", err)
	}
	if err := s.SoftDelete(ctx, sess.ID); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if _, err := s.Append(ctx, &model.ChatMessage{SessionID: sess.ID, Role: model.RoleUser, Content: "x"}); !errors.Is(err, model.ErrGone) {
		t.Errorf("Append() deleted session error = %v, want ErrGone", err)
	}
}

func seed(t *testing.T, s store.Store, n int) (string, []string) {
	t.Helper()
	ctx := context.Background()

	sess, err := s.Create(ctx, "owner", "chat", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msg, err := s.Append(ctx, &model.ChatMessage{SessionID: sess.ID, Role: role, Content: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		ids = append(ids, msg.ID)
	}
	return sess.ID, ids
}

func contents(msgs []model.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testListBySession(t *testing.T, s store.Store) {
	ctx := context.Background()
	sessionID, ids := seed(t, s, 7)

	msgs, hasMore, err := s.ListBySession(ctx, sessionID, 3, "")
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if got := contents(msgs); !equal(got, []string{"m4", "m5", "m6"}) || !hasMore {
		t.Errorf("ListBySession() = %v hasMore=%v", got, hasMore)
	}

	msgs, hasMore, err = s.ListBySession(ctx, sessionID, 3, msgs[0].ID)
	if err != nil {
		t.Fatalf("ListBySession() cursor error = %v", err)
	}
	if got := contents(msgs); !equal(got, []string{"m1", "m2", "m3"}) || !hasMore {
		t.Errorf("ListBySession() cursor = %v hasMore=%v", got, hasMore)
	}

	msgs, hasMore, err = s.ListBySession(ctx, sessionID, 3, ids[1])
	if err != nil {
		t.Fatalf("ListBySession() last page error = %v", err)
	}
	if got := contents(msgs); !equal(got, []string{"m0"}) || hasMore {
		t.Errorf("ListBySession() last page = %v hasMore=%v", got, hasMore)
	}

	if _, _, err := s.ListBySession(ctx, sessionID, 3, uuid.NewString()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("ListBySession() unknown cursor error = %v, want ErrNotFound", err)
	}
}

func testLoadRecent(t *testing.T, s store.Store) {
	ctx := context.Background()
	sessionID, _ := seed(t, s, 5)

	tests := []struct {
		n    int
		want []string
	}{
		{n: 2, want: []string{"m3", "m4"}},
		{n: 5, want: []string{"m0", "m1", "m2", "m3", "m4"}},
		{n: 20, want: []string{"m0", "m1", "m2", "m3", "m4"}},
	}
	for _, tt := range tests {
		msgs, err := s.LoadRecent(ctx, sessionID, tt.n)
		if err != nil {
			t.Fatalf("LoadRecent(%d) error = %v", tt.n, err)
		}
		if got := contents(msgs); !equal(got, tt.want) {
			t.Errorf("LoadRecent(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	msgs, err := s.LoadRecent(ctx, uuid.NewString(), 5)
	if err != nil {
		t.Fatalf("LoadRecent() empty session error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("LoadRecent() empty session = %v", msgs)
	}
}

func testUpdateContent(t *testing.T, s store.Store) {
	ctx := context.Background()

	sess, err := s.Create(ctx, "owner", "chat", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	placeholder, err := s.Append(ctx, &model.ChatMessage{
		SessionID: sess.ID,
		Role:      model.RoleAssistant,
		Status:    model.MessagePending,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if placeholder.Status != model.MessagePending || placeholder.Content != "" {
		t.Fatalf("placeholder = %+v", placeholder)
	}

	if err := s.UpdateContent(ctx, placeholder.ID, "Hi", model.MessageComplete); err != nil {
		t.Fatalf("UpdateContent() error = %v", err)
	}
	msgs, err := s.LoadRecent(ctx, sess.ID, 1)
	if err != nil {
		t.Fatalf("LoadRecent() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hi" || msgs[0].Status != model.MessageComplete {
		t.Errorf("after UpdateContent = %+v", msgs)
	}

	if err := s.UpdateContent(ctx, placeholder.ID, "Hi there", model.MessagePartial); !errors.Is(err, model.ErrConflict) {
		t.Errorf("UpdateContent() second update error = %v, want ErrConflict", err)
	}
	if msgs, _ := s.LoadRecent(ctx, sess.ID, 1); len(msgs) == 1 && msgs[0].Content != "Hi" {
		t.Errorf("second update overwrote content: %+v", msgs[0])
	}

	user, err := s.Append(ctx, &model.ChatMessage{
		SessionID: sess.ID,
		Role:      model.RoleUser,
		Content:   "Hello",
		Status:    model.MessageComplete,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.UpdateContent(ctx, user.ID, "edited", model.MessageComplete); !errors.Is(err, model.ErrConflict) {
		t.Errorf("UpdateContent() user message error = %v, want ErrConflict", err)
	}

	if err := s.UpdateContent(ctx, uuid.NewString(), "x", model.MessageComplete); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("UpdateContent() unknown error = %v, want ErrNotFound", err)
	}
}
