package nats

import (
	"testing"

	"github.com/capitalize-ai/chatstream/internal/model"
)

func TestEventSubject(t *testing.T) {
	got := EventSubject("0190a1b2-c3d4", model.EventStreamFailed)
	if want := "chat.0190a1b2-c3d4.stream.failed"; got != want {
		t.Errorf("EventSubject() = %q, want %q", got, want)
	}
	if got := SessionFilter("abc"); got != "chat.abc.>" {
		t.Errorf("SessionFilter() = %q", got)
	}
}

func TestKVKey(t *testing.T) {
	if got := kvKey("chat:context:0190a1b2-c3d4"); got != "chat.context.0190a1b2-c3d4" {
		t.Errorf("kvKey() = %q", got)
	}
}

func TestAppendTrim(t *testing.T) {
	var entries []model.ContextEntry
	for _, c := range []string{"a", "b", "c", "d"} {
		entries = appendTrim(entries, model.ContextEntry{Role: model.RoleUser, Content: c}, 3)
	}
	if len(entries) != 3 || entries[0].Content != "b" || entries[2].Content != "d" {
		t.Errorf("appendTrim() = %v, want [b c d]", entries)
	}
}

func TestEncodeWindowEmpty(t *testing.T) {
	data, err := encodeWindow(nil)
	if err != nil {
		t.Fatalf("encodeWindow() error = %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("encodeWindow(nil) = %s, want []", data)
	}
}
