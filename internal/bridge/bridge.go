package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/event"
	"github.com/dshills/ebbridge/internal/transport"
)

// Bridge exposes the user operations: Connect, Send, Request, WhenReceive,
// Payload and Reply.
type Bridge struct {
	conn      *ConnectionManager
	listeners *ListenerRegistry
	requests  *RequestCorrelator

	events  event.Bus
	stopSub event.Subscription

	closeOnce sync.Once
	logger    *zap.Logger
}

// New creates a bridge that dials through dialer.
func New(dialer transport.Dialer, opts ...Option) (*Bridge, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	conn := NewConnectionManager(dialer, logger)
	b := &Bridge{
		conn:      conn,
		listeners: NewListenerRegistry(conn, logger),
		requests:  NewRequestCorrelator(conn, o.requestTimeout, o.headers, logger),
		events:    o.events,
		logger:    logger,
	}
	conn.setHooks(b.listeners.RestartAll, b.publishState)

	if b.events != nil {
		sub, err := b.events.SubscribeFunc(event.TopicStopAll, func(_ context.Context, _ event.Event) error {
			b.Disconnect()
			return nil
		})
		if err != nil {
			return nil, err
		}
		b.stopSub = sub
	}

	return b, nil
}

// Connect opens the connection to address. The returned future resolves once
// the connection is open and listeners were restarted.
func (b *Bridge) Connect(address string) *Future[struct{}] {
	return b.conn.Connect(address)
}

// Disconnect closes the connection and cancels pending requests. Listened
// addresses are kept and resubscribed on the next open.
func (b *Bridge) Disconnect() {
	b.requests.CancelAll(ErrCancelled)
	b.conn.Disconnect()
}

// IsOpen reports whether the connection is open.
func (b *Bridge) IsOpen() bool {
	return b.conn.IsOpen()
}

// State returns the connection state.
func (b *Bridge) State() ConnState {
	return b.conn.State()
}

// Address returns the address of the last Connect call.
func (b *Bridge) Address() string {
	return b.conn.Address()
}

// Send publishes payload to address. It never fails.
func (b *Bridge) Send(address, payload string) {
	b.requests.Send(address, payload)
}

// Request sends payload to address and returns a future for the reply.
func (b *Bridge) Request(address, payload string) *Future[string] {
	return b.requests.Request(address, payload)
}

// WhenReceive is the trigger step for address. The first call only starts
// listening. Later calls pop the oldest buffered message and return a context
// bound to it; ok is false when nothing is buffered. It is safe to call once
// per tick. A listener whose subscription failed is subscribed again.
func (b *Bridge) WhenReceive(address string) (ec *ExecutionContext, ok bool) {
	if !b.listeners.Registered(address) {
		b.listeners.EnsureListening(address)
		return nil, false
	}
	msg, ok := b.listeners.Dequeue(address)
	if !ok {
		return nil, false
	}
	return NewExecutionContext(msg), true
}

// Payload returns the body of the message bound to ec.
func (b *Bridge) Payload(ec *ExecutionContext) (string, error) {
	msg := ec.Message()
	if msg == nil {
		b.logger.Info("cannot find any message in the context")
		return "", ErrNoContextMessage
	}
	return msg.Body, nil
}

// Reply answers the message bound to ec with payload.
func (b *Bridge) Reply(ec *ExecutionContext, payload string) error {
	msg := ec.Message()
	if msg == nil {
		b.logger.Info("cannot find any message in the context")
		return ErrNoContextMessage
	}
	if err := msg.reply(payload); err != nil {
		b.logger.Warn("replying to message", zap.String("address", msg.Address), zap.Error(err))
		return err
	}
	return nil
}

// Listening reports whether address has a listener.
func (b *Bridge) Listening(address string) bool {
	return b.listeners.Exists(address)
}

// PendingMessages returns the number of buffered messages for address.
func (b *Bridge) PendingMessages(address string) int {
	return b.listeners.Pending(address)
}

// PendingRequests returns the number of requests awaiting a reply.
func (b *Bridge) PendingRequests() int {
	return b.requests.Pending()
}

// Close detaches the bridge from the event bus and disconnects.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		if b.stopSub != nil {
			_ = b.events.Unsubscribe(b.stopSub)
		}
		b.Disconnect()
	})
}

func (b *Bridge) publishState(state ConnState, address string, err error) {
	if b.events == nil {
		return
	}
	var topic event.Topic
	switch state {
	case StateOpen:
		topic = event.TopicConnectionOpened
	case StateFailed:
		topic = event.TopicConnectionFailed
	case StateClosed:
		topic = event.TopicConnectionClosed
	default:
		return
	}
	payload := event.ConnectionPayload{Address: address, Err: err}
	if perr := b.events.Publish(context.Background(), topic, payload); perr != nil {
		b.logger.Debug("publishing connection state", zap.String("topic", string(topic)), zap.Error(perr))
	}
}
