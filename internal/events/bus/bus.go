// Package bus provides the kernel's lifecycle event bus over NATS.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Agent lifecycle event types.
const (
	AgentStarted = "agent.started"
	AgentStopped = "agent.stopped"
	AgentFailed  = "agent.failed"
)

// Event is the envelope published for every lifecycle event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event envelope.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a received event.
type Handler func(event *Event)

// EventBus publishes and subscribes to lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
}
