package event

import "sync/atomic"

// Subscription is a registered handler for a topic pattern.
type Subscription interface {
	// ID returns the unique subscription identifier.
	ID() string

	// Topic returns the subscribed topic pattern.
	Topic() Topic

	// IsActive returns true if the subscription can receive events.
	IsActive() bool

	// Cancel permanently cancels the subscription.
	Cancel()
}

type subscription struct {
	id        string
	pattern   Topic
	handler   Handler
	cancelled atomic.Bool
}

func newSubscription(id string, pattern Topic, handler Handler) *subscription {
	return &subscription{
		id:      id,
		pattern: pattern,
		handler: handler,
	}
}

func (s *subscription) ID() string     { return s.id }
func (s *subscription) Topic() Topic   { return s.pattern }
func (s *subscription) IsActive() bool { return !s.cancelled.Load() }
func (s *subscription) Cancel()        { s.cancelled.Store(true) }
