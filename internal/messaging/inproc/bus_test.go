package inproc

import (
	"errors"
	"testing"

	"organ_dispatch/internal/domain"
)

func TestPublishFansOut(t *testing.T) {
	b := New(2)
	a := b.Subscribe("a")
	c := b.Subscribe("c")
	if again := b.Subscribe("a"); again != a {
		t.Fatalf("resubscribe should return the same channel")
	}

	if err := b.Publish(domain.Event{Type: domain.EventTaskUpdate}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, ch := range map[string]<-chan domain.Event{"a": a, "c": c} {
		select {
		case evt := <-ch:
			if evt.Type != domain.EventTaskUpdate {
				t.Fatalf("%s got %q", name, evt.Type)
			}
		default:
			t.Fatalf("%s received nothing", name)
		}
	}
}

func TestPublishReportsFullSubscriber(t *testing.T) {
	b := New(1)
	b.Subscribe("slow")
	if err := b.Publish(domain.Event{Type: "x"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := b.Publish(domain.Event{Type: "x"}); !errors.Is(err, ErrSubscriberQueueFull) {
		t.Fatalf("second publish err=%v", err)
	}
}

func TestSendAndUnsubscribe(t *testing.T) {
	b := New(0)
	if err := b.Send("ghost", domain.Event{}); !errors.Is(err, ErrSubscriberNotRegistered) {
		t.Fatalf("send to unknown err=%v", err)
	}
	ch := b.Subscribe("one")
	if err := b.Send("one", domain.Event{Type: "direct"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	b.Unsubscribe("one")
	if evt, ok := <-ch; !ok || evt.Type != "direct" {
		t.Fatalf("buffered event lost: %+v ok=%v", evt, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	if err := b.Publish(domain.Event{}); err != nil {
		t.Fatalf("publish with no subscribers: %v", err)
	}
}
