package bridge

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/transport"
)

// listener buffers messages for one address. handle is the transport handle
// the subscription was registered on; deliveries from any other handle are
// stale and dropped.
type listener struct {
	address string
	queue   []*Message
	handle  transport.Handle
}

// ListenerRegistry maps addresses to FIFO message queues.
type ListenerRegistry struct {
	mu        sync.Mutex
	conn      *ConnectionManager
	listeners map[string]*listener
	logger    *zap.Logger
}

// NewListenerRegistry creates a registry that subscribes through conn.
func NewListenerRegistry(conn *ConnectionManager, logger *zap.Logger) *ListenerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListenerRegistry{
		conn:      conn,
		listeners: make(map[string]*listener),
		logger:    logger,
	}
}

// EnsureListening (re)creates an empty queue for address and subscribes to it
// on the open handle. It does nothing when the connection is not open.
// Receive errors are logged and never reach the caller.
func (r *ListenerRegistry) EnsureListening(address string) {
	h, ok := r.conn.openHandle()
	if !ok {
		return
	}

	r.mu.Lock()
	l, exists := r.listeners[address]
	if !exists {
		l = &listener{address: address}
		r.listeners[address] = l
	}
	l.queue = nil
	registered := l.handle == h
	l.handle = h
	r.mu.Unlock()

	if registered {
		r.logger.Debug("listener queue reset", zap.String("address", address))
		return
	}

	err := h.RegisterHandler(address, func(err error, msg *transport.Message) {
		r.receive(address, h, err, msg)
	})
	if err != nil {
		r.logger.Warn("registering handler", zap.String("address", address), zap.Error(err))
		r.mu.Lock()
		if l.handle == h {
			l.handle = nil
		}
		r.mu.Unlock()
		return
	}

	r.logger.Info("registered handler", zap.String("address", address))
}

func (r *ListenerRegistry) receive(address string, h transport.Handle, err error, msg *transport.Message) {
	if err != nil {
		r.logger.Warn("received error", zap.String("address", address), zap.Error(err))
		return
	}
	if msg == nil {
		return
	}

	m := newMessage(msg)

	r.mu.Lock()
	l, ok := r.listeners[address]
	if !ok || l.handle != h {
		r.mu.Unlock()
		r.logger.Debug("dropping message from stale subscription", zap.String("address", address))
		return
	}
	l.queue = append(l.queue, m)
	r.mu.Unlock()

	r.logger.Debug("received message", zap.String("address", address), zap.String("body", m.Body))
}

// RestartAll re-subscribes every address ever listened on. Buffered messages
// are discarded.
func (r *ListenerRegistry) RestartAll() {
	if !r.conn.IsOpen() {
		return
	}
	for _, address := range r.Addresses() {
		r.EnsureListening(address)
	}
}

// Dequeue pops the oldest message for address.
func (r *ListenerRegistry) Dequeue(address string) (*Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listeners[address]
	if !ok || len(l.queue) == 0 {
		return nil, false
	}
	m := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return m, true
}

// Exists reports whether a listener was created for address.
func (r *ListenerRegistry) Exists(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[address]
	return ok
}

// Registered reports whether address has a listener with a subscription.
// A listener whose subscription failed is not registered.
func (r *ListenerRegistry) Registered(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[address]
	return ok && l.handle != nil
}

// Pending returns the number of buffered messages for address.
func (r *ListenerRegistry) Pending(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.listeners[address]; ok {
		return len(l.queue)
	}
	return 0
}

// Addresses returns every listened address in sorted order.
func (r *ListenerRegistry) Addresses() []string {
	r.mu.Lock()
	addrs := make([]string, 0, len(r.listeners))
	for a := range r.listeners {
		addrs = append(addrs, a)
	}
	r.mu.Unlock()
	sort.Strings(addrs)
	return addrs
}
