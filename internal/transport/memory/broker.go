// Package memory provides an in-process event bus implementing the transport
// contract. It backs tests and the "memory" transport mode, where Go-side
// services registered with Consume stand in for remote ones.
package memory

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/transport"
)

// ErrNoHandlers is reported to a sender when nothing consumes the address.
var ErrNoHandlers = errors.New("memory: no handlers for address")

// ConsumerFunc is a Go-side service bound to an address.
type ConsumerFunc func(msg *transport.Message)

type subscriber struct {
	handle  *handle
	handler transport.Handler
	consume ConsumerFunc
}

func (s *subscriber) deliver(msg *transport.Message) {
	if s.consume != nil {
		s.consume(msg)
		return
	}
	s.handler(nil, msg)
}

// Broker is an in-process event bus. Delivery is synchronous on the sending
// goroutine and never happens while the broker lock is held.
type Broker struct {
	mu       sync.Mutex
	subs     map[string][]*subscriber
	rr       map[string]int
	handles  map[*handle]struct{}
	failNext error

	logger *zap.Logger
}

// NewBroker creates an empty broker. logger may be nil.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:    make(map[string][]*subscriber),
		rr:      make(map[string]int),
		handles: make(map[*handle]struct{}),
		logger:  logger,
	}
}

// Dialer returns a dialer whose handles attach to b. The dial address is
// only recorded.
func (b *Broker) Dialer() transport.Dialer {
	return transport.DialerFunc(b.dial)
}

// Fail makes the next dial report err instead of opening.
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// Consume binds fn to address. The returned function removes it.
func (b *Broker) Consume(address string, fn ConsumerFunc) func() {
	s := &subscriber{consume: fn}
	b.mu.Lock()
	b.subs[address] = append(b.subs[address], s)
	b.mu.Unlock()

	return func() { b.remove(address, func(x *subscriber) bool { return x == s }) }
}

// Echo binds a service on address that replies with the received body.
func (b *Broker) Echo(address string) func() {
	return b.Consume(address, func(msg *transport.Message) {
		if msg.CanReply() {
			_ = msg.Reply(msg.Body)
		}
	})
}

// Publish delivers body to every subscriber of address, as a remote
// publisher would.
func (b *Broker) Publish(address string, body any) error {
	raw, err := transport.EncodeBody(body)
	if err != nil {
		return err
	}
	for _, s := range b.subscribers(address) {
		s.deliver(transport.NewMessage(address, "", nil, raw, nil))
	}
	return nil
}

// Request sends body to one subscriber of address, as a remote requester
// would, and passes the reply to reply.
func (b *Broker) Request(address string, body any, reply transport.ReplyHandler) error {
	return b.send(address, body, nil, reply)
}

// DropAll closes every open handle from the broker side.
func (b *Broker) DropAll() {
	b.mu.Lock()
	handles := make([]*handle, 0, len(b.handles))
	for h := range b.handles {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		if h.shutdown() {
			h.ev.Close()
		}
	}
}

// Handles returns the number of attached handles.
func (b *Broker) Handles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

func (b *Broker) dial(address string, ev transport.Events) transport.Handle {
	h := &handle{broker: b, address: address, ev: ev, state: transport.StateConnecting}

	b.mu.Lock()
	failErr := b.failNext
	b.failNext = nil
	b.mu.Unlock()

	go func() {
		if failErr != nil {
			h.setState(transport.StateClosed)
			b.logger.Debug("memory dial failed", zap.String("address", address), zap.Error(failErr))
			ev.Error(failErr)
			ev.Close()
			return
		}

		b.mu.Lock()
		opened := h.open()
		if opened {
			b.handles[h] = struct{}{}
		}
		b.mu.Unlock()

		if opened {
			ev.Open()
		}
	}()
	return h
}

func (b *Broker) subscribers(address string) []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*subscriber, len(b.subs[address]))
	copy(out, b.subs[address])
	return out
}

// next picks one subscriber of address in round-robin order.
func (b *Broker) next(address string) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[address]
	if len(subs) == 0 {
		return nil
	}
	i := b.rr[address] % len(subs)
	b.rr[address] = i + 1
	return subs[i]
}

func (b *Broker) send(address string, body any, headers map[string]string, reply transport.ReplyHandler) error {
	raw, err := transport.EncodeBody(body)
	if err != nil {
		return err
	}

	s := b.next(address)
	if s == nil {
		b.logger.Debug("no handlers", zap.String("address", address))
		if reply != nil {
			reply(ErrNoHandlers, nil)
		}
		return nil
	}

	var replyAddr string
	var replyFn func(any) error
	if reply != nil {
		replyAddr = uuid.NewString()
		replyFn = func(body any) error {
			raw, err := transport.EncodeBody(body)
			if err != nil {
				return err
			}
			reply(nil, transport.NewMessage(replyAddr, "", nil, raw, nil))
			return nil
		}
	}
	s.deliver(transport.NewMessage(address, replyAddr, headers, raw, replyFn))
	return nil
}

func (b *Broker) remove(address string, match func(*subscriber) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[address]
	kept := subs[:0]
	for _, s := range subs {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, address)
		delete(b.rr, address)
		return
	}
	b.subs[address] = kept
}

func (b *Broker) detach(h *handle) {
	b.mu.Lock()
	delete(b.handles, h)
	for address, subs := range b.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.handle != h {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, address)
			delete(b.rr, address)
		} else {
			b.subs[address] = kept
		}
	}
	b.mu.Unlock()
}

// handle is one client attachment to the broker.
type handle struct {
	broker  *Broker
	address string
	ev      transport.Events

	mu    sync.Mutex
	state transport.State
}

func (h *handle) State() transport.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handle) setState(s transport.State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// open moves a connecting handle to open. It fails when Close won the race.
func (h *handle) open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != transport.StateConnecting {
		return false
	}
	h.state = transport.StateOpen
	return true
}

// shutdown closes the handle and reports whether it was still usable.
func (h *handle) shutdown() bool {
	h.mu.Lock()
	prev := h.state
	h.state = transport.StateClosed
	h.mu.Unlock()

	if prev == transport.StateClosed {
		return false
	}
	h.broker.detach(h)
	return true
}

func (h *handle) Close() error {
	if h.shutdown() {
		go h.ev.Close()
	}
	return nil
}

func (h *handle) Publish(address string, body any, headers map[string]string) error {
	if h.State() != transport.StateOpen {
		return transport.ErrNotOpen
	}
	raw, err := transport.EncodeBody(body)
	if err != nil {
		return err
	}
	for _, s := range h.broker.subscribers(address) {
		s.deliver(transport.NewMessage(address, "", headers, raw, nil))
	}
	return nil
}

func (h *handle) Send(address string, body any, headers map[string]string, reply transport.ReplyHandler) error {
	if h.State() != transport.StateOpen {
		return transport.ErrNotOpen
	}
	return h.broker.send(address, body, headers, reply)
}

func (h *handle) RegisterHandler(address string, fn transport.Handler) error {
	if address == "" {
		return transport.ErrInvalidAddress
	}
	if h.State() != transport.StateOpen {
		return transport.ErrNotOpen
	}

	b := h.broker
	b.mu.Lock()
	b.subs[address] = append(b.subs[address], &subscriber{handle: h, handler: fn})
	b.mu.Unlock()
	return nil
}

func (h *handle) UnregisterHandler(address string) error {
	if h.State() != transport.StateOpen {
		return transport.ErrNotOpen
	}
	h.broker.remove(address, func(s *subscriber) bool { return s.handle == h })
	return nil
}
