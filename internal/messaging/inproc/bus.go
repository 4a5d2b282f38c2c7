package inproc

import (
	"errors"
	"sync"

	"organ_dispatch/internal/domain"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in bus")
	ErrSubscriberQueueFull     = errors.New("subscriber queue is full")
)

// Bus fans every published event out to all subscribers. A slow subscriber
// loses events rather than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Event),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(id string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		return ch
	}
	ch := make(chan domain.Event, b.buffer)
	b.subs[id] = ch
	return ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

// Publish delivers evt to every subscriber and reports the ones that were
// full. A bus with no subscribers accepts the event silently.
func (b *Bus) Publish(evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs []error
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			errs = append(errs, ErrSubscriberQueueFull)
		}
	}
	return errors.Join(errs...)
}

// Send delivers evt to one subscriber only.
func (b *Bus) Send(id string, evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[id]
	if !ok {
		return ErrSubscriberNotRegistered
	}
	select {
	case ch <- evt:
		return nil
	default:
		return ErrSubscriberQueueFull
	}
}
