// Package transport defines the handle contract between the bridge core and
// an event-bus connection.
//
// A Handle is obtained from a Dialer and reports its lifecycle through the
// Events callbacks. Callbacks and message handlers may be invoked from any
// goroutine owned by the transport; implementations must not invoke them while
// holding internal locks that Handle methods also take.
//
// Two adapters live in subpackages:
//   - tcpbridge: the Vert.x TCP event-bus bridge protocol
//   - memory: an in-process broker for tests and local runs
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
)

// Errors shared by transport adapters.
var (
	// ErrClosed is returned when operating on a closed handle.
	ErrClosed = errors.New("transport: handle is closed")

	// ErrNotOpen is returned when a handle has not finished opening.
	ErrNotOpen = errors.New("transport: handle is not open")

	// ErrNoReplyAddress is returned by Message.Reply when the sender did not
	// expect a reply.
	ErrNoReplyAddress = errors.New("transport: message has no reply address")

	// ErrInvalidAddress is returned when an address is empty or malformed.
	ErrInvalidAddress = errors.New("transport: invalid address")
)

// State is the lifecycle state of a Handle.
type State int

const (
	// StateConnecting means the handle is still opening.
	StateConnecting State = iota
	// StateOpen means the handle can publish, send and register handlers.
	StateOpen
	// StateClosing means Close was called and shutdown is in progress.
	StateClosing
	// StateClosed means the handle is unusable.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Events receives lifecycle notifications from a Handle. Nil fields are
// skipped. A handle reports StateOpen before it fires OnOpen, and fires events
// from its own goroutines, never from inside Dial.
type Events struct {
	OnOpen  func()
	OnError func(err error)
	OnClose func()
}

// Open invokes OnOpen if set.
func (e Events) Open() {
	if e.OnOpen != nil {
		e.OnOpen()
	}
}

// Error invokes OnError if set.
func (e Events) Error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

// Close invokes OnClose if set.
func (e Events) Close() {
	if e.OnClose != nil {
		e.OnClose()
	}
}

// Handler receives messages for a registered address. Exactly one of err and
// msg is non-nil.
type Handler func(err error, msg *Message)

// ReplyHandler receives the single reply (or failure) for a Send.
type ReplyHandler func(err error, msg *Message)

// Dialer opens handles.
type Dialer interface {
	// Dial starts opening a handle to address and returns immediately. The
	// outcome is reported through ev.
	Dial(address string, ev Events) Handle
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(address string, ev Events) Handle

// Dial calls f(address, ev).
func (f DialerFunc) Dial(address string, ev Events) Handle {
	return f(address, ev)
}

// Handle is an event-bus connection.
type Handle interface {
	// State returns the current lifecycle state.
	State() State

	// Close shuts the handle down. It is safe to call more than once.
	Close() error

	// Publish delivers body to every handler registered on address.
	Publish(address string, body any, headers map[string]string) error

	// Send delivers body to one handler on address. If reply is non-nil the
	// receiver may answer and reply is invoked exactly once.
	Send(address string, body any, headers map[string]string, reply ReplyHandler) error

	// RegisterHandler subscribes h to address.
	RegisterHandler(address string, h Handler) error

	// UnregisterHandler removes the subscription for address.
	UnregisterHandler(address string) error
}

// Message is a message received from the event bus.
type Message struct {
	// Address the message was delivered to.
	Address string

	// ReplyAddress is set when the sender expects a reply.
	ReplyAddress string

	// Headers carried with the message.
	Headers map[string]string

	// Body is the raw JSON body.
	Body json.RawMessage

	replyOnce sync.Once
	replyFn   func(body any) error
}

// NewMessage creates a message. replyFn may be nil when the message cannot be
// answered.
func NewMessage(address, replyAddress string, headers map[string]string, body json.RawMessage, replyFn func(body any) error) *Message {
	return &Message{
		Address:      address,
		ReplyAddress: replyAddress,
		Headers:      headers,
		Body:         body,
		replyFn:      replyFn,
	}
}

// CanReply reports whether the message carries a reply capability.
func (m *Message) CanReply() bool {
	return m.replyFn != nil
}

// Reply answers the message. Only the first call reaches the sender; later
// calls return nil and do nothing.
func (m *Message) Reply(body any) error {
	if m.replyFn == nil {
		return ErrNoReplyAddress
	}
	var err error
	m.replyOnce.Do(func() {
		err = m.replyFn(body)
	})
	return err
}

// BodyString returns the body as text. A JSON string is unquoted; anything
// else is returned as its JSON encoding.
func (m *Message) BodyString() string {
	return BodyText(m.Body)
}

// BodyText converts a raw JSON body to text using the BodyString rule.
func BodyText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte{'"'}) {
		return string(raw)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// EncodeBody marshals a Go value into a raw JSON body. A json.RawMessage is
// passed through unchanged.
func EncodeBody(body any) (json.RawMessage, error) {
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(body)
}
