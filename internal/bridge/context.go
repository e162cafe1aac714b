package bridge

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dshills/ebbridge/internal/transport"
)

// Message is a message taken from a listener queue.
type Message struct {
	// Address the message was delivered to.
	Address string

	// Body is the message body as text. A JSON string body is unquoted; any
	// other body keeps its JSON encoding.
	Body string

	// Headers carried with the message.
	Headers map[string]string

	raw     *transport.Message
	replied atomic.Bool
}

func newMessage(m *transport.Message) *Message {
	return &Message{
		Address: m.Address,
		Body:    m.BodyString(),
		Headers: m.Headers,
		raw:     m,
	}
}

// CanReply reports whether the sender expects a reply.
func (m *Message) CanReply() bool {
	return m.raw != nil && m.raw.CanReply()
}

func (m *Message) reply(payload string) error {
	if !m.CanReply() {
		return ErrNoReplyAddress
	}
	if !m.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if err := m.raw.Reply(payload); err != nil {
		if errors.Is(err, transport.ErrNoReplyAddress) {
			return ErrNoReplyAddress
		}
		return err
	}
	return nil
}

// ExecutionContext carries the message that triggered a unit of host
// execution. The host keeps one per thread and passes it back to Payload and
// Reply. A nil context, or one with no message, is unbound.
type ExecutionContext struct {
	// ID identifies the context in logs.
	ID uuid.UUID

	message *Message
}

// NewExecutionContext binds msg to a fresh context. msg may be nil.
func NewExecutionContext(msg *Message) *ExecutionContext {
	return &ExecutionContext{ID: uuid.New(), message: msg}
}

// Message returns the bound message, or nil.
func (ec *ExecutionContext) Message() *Message {
	if ec == nil {
		return nil
	}
	return ec.message
}

// Bound reports whether a message is bound.
func (ec *ExecutionContext) Bound() bool {
	return ec.Message() != nil
}
