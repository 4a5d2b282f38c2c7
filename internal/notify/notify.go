// Package notify delivers advisory notices: CEO chat messages, task log lines
// and UI broadcast events. Every sink failure is logged and swallowed.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"organ_dispatch/internal/domain"
)

type Store interface {
	CreateCEOMessage(ctx context.Context, taskID, content string) (domain.CEOMessage, error)
	AppendTaskLog(ctx context.Context, taskID, kind, message string) error
}

type Publisher interface {
	Publish(evt domain.Event) error
}

type Sink struct {
	store  Store
	bus    Publisher
	logger *log.Logger
	now    func() time.Time
}

func NewSink(store Store, bus Publisher, logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.Default()
	}
	return &Sink{store: store, bus: bus, logger: logger, now: time.Now}
}

// NotifyCEO stores a CEO chat message and broadcasts it. taskID may be empty.
func (s *Sink) NotifyCEO(ctx context.Context, content, taskID string) {
	if s.store == nil {
		return
	}
	msg, err := s.store.CreateCEOMessage(ctx, taskID, content)
	if err != nil {
		s.logger.Printf("notify ceo failed task=%s: %v", taskID, err)
		return
	}
	s.Broadcast(domain.EventCEOMessage, msg)
}

func (s *Sink) AppendTaskLog(ctx context.Context, taskID, kind, message string) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendTaskLog(ctx, taskID, kind, message); err != nil {
		s.logger.Printf("append task log failed task=%s kind=%s: %v", taskID, kind, err)
	}
}

func (s *Sink) Broadcast(eventType string, payload any) {
	if s.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("broadcast marshal failed type=%s: %v", eventType, err)
		return
	}
	if err := s.bus.Publish(domain.Event{Type: eventType, Payload: raw, At: s.now().UTC()}); err != nil {
		s.logger.Printf("broadcast dropped type=%s: %v", eventType, err)
	}
}
