// Package bus carries cross-service notifications: task lifecycle changes,
// agent run outcomes, and session closure. The in-memory bus is the default
// for single-process deployments; the NATS bus connects multiple backend
// instances to the same subject space.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the task and orchestration services. Subscribers may
// use NATS-style wildcards ("task.*", "agent.>") against them.
const (
	SubjectTaskStateChanged = "task.state_changed"
	SubjectAgentStarted     = "agent.started"
	SubjectAgentCompleted   = "agent.completed"
	SubjectAgentFailed      = "agent.failed"
	SubjectSessionClosed    = "session.closed"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // service that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an event with a fresh ID and the current UTC time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface shared by the in-memory and
// NATS implementations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers every event whose subject matches the pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to one member of the queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes and waits for a reply, up to timeout.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}
