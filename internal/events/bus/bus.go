// Package bus provides the event bus used to fan out permission requests
// and live session events to subscribers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects used by the orchestrator.
const (
	// SubjectPermissionRequested carries freshly opened permission
	// requests; the per-turn forwarder and the websocket feed consume it.
	SubjectPermissionRequested = "permissions.requested"

	// SubjectSessionEvents is the wildcard for live session event mirrors.
	// Concrete subjects are "sessions.<id>.events".
	SubjectSessionEvents = "sessions.*.events"
)

// SessionSubject returns the concrete subject for one session's events.
func SessionSubject(sessionID string) string {
	return "sessions." + sessionID + ".events"
}

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus abstracts the messaging layer. The in-memory implementation is
// the default; NATS is selected when a URL is configured.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns support NATS-style wildcards: * (one token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
