package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"organ_dispatch/internal/domain"
)

type memStore struct {
	messages []domain.CEOMessage
	logs     []string
	fail     bool
}

func (m *memStore) CreateCEOMessage(_ context.Context, taskID, content string) (domain.CEOMessage, error) {
	if m.fail {
		return domain.CEOMessage{}, errors.New("disk full")
	}
	msg := domain.CEOMessage{ID: "m1", TaskID: taskID, Content: content}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memStore) AppendTaskLog(_ context.Context, taskID, kind, message string) error {
	if m.fail {
		return errors.New("disk full")
	}
	m.logs = append(m.logs, taskID+"|"+kind+"|"+message)
	return nil
}

type memBus struct{ events []domain.Event }

func (b *memBus) Publish(evt domain.Event) error {
	b.events = append(b.events, evt)
	return nil
}

func TestNotifyCEOStoresAndBroadcasts(t *testing.T) {
	store := &memStore{}
	bus := &memBus{}
	s := NewSink(store, bus, log.New(io.Discard, "", 0))

	s.NotifyCEO(context.Background(), "hello", "task-1")
	s.AppendTaskLog(context.Background(), "task-1", "system", "note")

	if len(store.messages) != 1 || store.messages[0].TaskID != "task-1" {
		t.Fatalf("messages=%+v", store.messages)
	}
	if len(store.logs) != 1 || store.logs[0] != "task-1|system|note" {
		t.Fatalf("logs=%v", store.logs)
	}
	if len(bus.events) != 1 || bus.events[0].Type != domain.EventCEOMessage {
		t.Fatalf("events=%+v", bus.events)
	}
	var got domain.CEOMessage
	if err := json.Unmarshal(bus.events[0].Payload, &got); err != nil || got.Content != "hello" {
		t.Fatalf("payload=%s err=%v", bus.events[0].Payload, err)
	}
}

func TestSinkFailuresAreSwallowed(t *testing.T) {
	store := &memStore{fail: true}
	bus := &memBus{}
	s := NewSink(store, bus, log.New(io.Discard, "", 0))

	s.NotifyCEO(context.Background(), "hello", "")
	s.AppendTaskLog(context.Background(), "t", "system", "x")
	if len(bus.events) != 0 {
		t.Fatalf("failed ceo message should not broadcast")
	}
	NewSink(nil, nil, nil).Broadcast("x", map[string]string{})
}

func TestPickFallsBack(t *testing.T) {
	pool := L{"en": {"english"}, "ko": {"korean"}}
	tests := []struct {
		lang string
		want string
	}{
		{"ko", "korean"},
		{"ko-KR", "korean"},
		{"fr", "english"},
		{"", "english"},
	}
	for _, tc := range tests {
		if got := Pick(pool, tc.lang); got != tc.want {
			t.Fatalf("Pick(%q)=%q want %q", tc.lang, got, tc.want)
		}
	}
	if got := Pick(L{"ja": {"only"}}, "en"); got != "only" {
		t.Fatalf("last resort pick=%q", got)
	}
	if got := Pick(nil, "en"); got != "" {
		t.Fatalf("empty pool pick=%q", got)
	}
}

func TestFormatCatalog(t *testing.T) {
	got := Format(AllSubtasksComplete, "ko", "Launch site")
	if !strings.Contains(got, "Launch site") {
		t.Fatalf("formatted=%q", got)
	}
	got = Format(BatchAssigned, "en", "QA", "Lee", "Park", 2)
	if !strings.Contains(got, "[QA]") || !strings.Contains(got, "Park") {
		t.Fatalf("formatted=%q", got)
	}
}
