package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a published notification. Events are immutable once created.
type Event struct {
	// ID uniquely identifies this event instance.
	ID string

	// Topic is the concrete (non-wildcard) topic.
	Topic Topic

	// Payload carries topic-specific data; handlers type-assert it.
	Payload any

	// Timestamp is when the event was published.
	Timestamp time.Time
}

// NewEvent creates an event for topic with payload.
func NewEvent(t Topic, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// ConnectionPayload is carried by the bridge.connection.* topics.
type ConnectionPayload struct {
	// Address of the event-bus bridge.
	Address string

	// Err is set for failed connections.
	Err error
}

// Handler processes events.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// PanicHandler is called when a handler panics.
type PanicHandler func(ev Event, recovered any)

// ErrorHandler is called when a handler returns an error.
type ErrorHandler func(ev Event, err error)
