package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/transport"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	// StateClosed means there is no usable connection.
	StateClosed ConnState = iota
	// StateOpening means a handle was dialed and has not reported yet.
	StateOpening
	// StateOpen means the handle reported open.
	StateOpen
	// StateFailed means the last attempt reported an error.
	StateFailed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionManager owns at most one transport handle.
//
// Handle events are tagged with the generation of the Connect call that
// dialed them; events from a superseded handle are ignored.
type ConnectionManager struct {
	mu sync.Mutex

	dialer  transport.Dialer
	handle  transport.Handle
	address string
	state   ConnState
	gen     uint64

	// connecting is the future of the in-flight Connect, if any.
	connecting *Future[struct{}]

	onOpen   func()
	onChange func(state ConnState, address string, err error)

	logger *zap.Logger
}

// NewConnectionManager creates a manager that dials through dialer.
func NewConnectionManager(dialer transport.Dialer, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{
		dialer: dialer,
		state:  StateClosed,
		logger: logger,
	}
}

// Connect opens a handle to address. When a connection is already open the
// call is a no-op and returns a resolved future, whatever the address.
//
// Dialers must deliver handle events from their own goroutines, never from
// inside Dial.
func (c *ConnectionManager) Connect(address string) *Future[struct{}] {
	if c.IsOpen() {
		c.logger.Info("connection already opened", zap.String("address", address))
		return Resolved(struct{}{})
	}

	fut := NewFuture[struct{}]()

	c.mu.Lock()
	stale := c.handle
	superseded := c.connecting
	c.gen++
	gen := c.gen
	c.handle = nil
	c.address = address
	c.state = StateOpening
	c.connecting = fut
	c.mu.Unlock()

	if superseded != nil {
		superseded.Reject(&ConnectionError{Address: address, Err: ErrCancelled})
	}
	if stale != nil {
		_ = stale.Close()
	}

	c.logger.Info("connecting to event bus bridge", zap.String("address", address))

	// Held across Dial so an event fired from a transport goroutine observes
	// the handle.
	c.mu.Lock()
	h := c.dialer.Dial(address, transport.Events{
		OnOpen:  func() { c.handleOpen(gen, fut) },
		OnError: func(err error) { c.handleError(gen, fut, err) },
		OnClose: func() { c.handleClose(gen, fut) },
	})
	owned := c.gen == gen
	if owned {
		c.handle = h
	}
	c.mu.Unlock()

	if !owned && h != nil {
		// A Disconnect or newer Connect won the race.
		_ = h.Close()
	}

	return fut
}

func (c *ConnectionManager) handleOpen(gen uint64, fut *Future[struct{}]) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateOpen
	c.connecting = nil
	address := c.address
	hook := c.onOpen
	c.mu.Unlock()

	c.logger.Info("connection opened", zap.String("address", address))

	// Listeners are restarted before the caller observes the open connection.
	if hook != nil {
		hook()
	}
	fut.Resolve(struct{}{})
	c.notify(StateOpen, address, nil)
}

func (c *ConnectionManager) handleError(gen uint64, fut *Future[struct{}], err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.connecting = nil
	address := c.address
	c.mu.Unlock()

	c.logger.Warn("error while handling connection", zap.String("address", address), zap.Error(err))

	fut.Reject(&ConnectionError{Address: address, Err: err})
	c.notify(StateFailed, address, err)
}

func (c *ConnectionManager) handleClose(gen uint64, fut *Future[struct{}]) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.connecting = nil
	address := c.address
	c.mu.Unlock()

	c.logger.Info("connection closed", zap.String("address", address))

	// No-op when the future already settled through open or error.
	fut.Reject(&ConnectionError{Address: address})
	c.notify(StateClosed, address, nil)
}

// Disconnect closes and forgets the current handle. It reports whether a
// handle was closed.
func (c *ConnectionManager) Disconnect() bool {
	c.mu.Lock()
	h := c.handle
	pending := c.connecting
	address := c.address
	c.handle = nil
	c.connecting = nil
	c.gen++
	c.state = StateClosed
	c.mu.Unlock()

	if pending != nil {
		pending.Reject(&ConnectionError{Address: address, Err: ErrCancelled})
	}
	if h == nil {
		return false
	}

	if err := h.Close(); err != nil {
		c.logger.Warn("closing connection", zap.String("address", address), zap.Error(err))
	}
	c.logger.Info("connection stopped", zap.String("address", address))
	c.notify(StateClosed, address, nil)
	return true
}

// IsOpen reports whether a handle exists and reports itself open.
func (c *ConnectionManager) IsOpen() bool {
	_, ok := c.openHandle()
	return ok
}

// State returns the last recorded lifecycle state.
func (c *ConnectionManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Address returns the address of the last Connect call.
func (c *ConnectionManager) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// openHandle returns the current handle when it is open.
func (c *ConnectionManager) openHandle() (transport.Handle, bool) {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()

	if h == nil || h.State() != transport.StateOpen {
		return nil, false
	}
	return h, true
}

// setHooks installs the open hook and the state change observer.
func (c *ConnectionManager) setHooks(onOpen func(), onChange func(ConnState, string, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = onOpen
	c.onChange = onChange
}

func (c *ConnectionManager) notify(state ConnState, address string, err error) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(state, address, err)
	}
}
