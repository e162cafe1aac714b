package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ebbridge/internal/transport"
)

// fakeHandle is a transport handle driven by the test.
type fakeHandle struct {
	mu       sync.Mutex
	address  string
	state    transport.State
	ev       transport.Events
	handlers map[string]transport.Handler
	regs     map[string]int
	pubs     []fakeCall
	sends    []fakeCall
	closed   int

	sendErr error
}

type fakeCall struct {
	address string
	body    any
	headers map[string]string
	reply   transport.ReplyHandler
}

func newFakeHandle(address string, ev transport.Events) *fakeHandle {
	return &fakeHandle{
		address:  address,
		state:    transport.StateConnecting,
		ev:       ev,
		handlers: make(map[string]transport.Handler),
		regs:     make(map[string]int),
	}
}

func (h *fakeHandle) State() transport.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	h.state = transport.StateClosed
	return nil
}

func (h *fakeHandle) Publish(address string, body any, headers map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pubs = append(h.pubs, fakeCall{address: address, body: body, headers: headers})
	return nil
}

func (h *fakeHandle) Send(address string, body any, headers map[string]string, reply transport.ReplyHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sends = append(h.sends, fakeCall{address: address, body: body, headers: headers, reply: reply})
	return nil
}

func (h *fakeHandle) RegisterHandler(address string, fn transport.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[address] = fn
	h.regs[address]++
	return nil
}

func (h *fakeHandle) UnregisterHandler(address string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, address)
	return nil
}

// open marks the handle open and fires OnOpen.
func (h *fakeHandle) open() {
	h.mu.Lock()
	h.state = transport.StateOpen
	h.mu.Unlock()
	h.ev.Open()
}

// fail fires OnError and then OnClose, as a transport does when dialing fails.
func (h *fakeHandle) fail(err error) {
	h.mu.Lock()
	h.state = transport.StateClosed
	h.mu.Unlock()
	h.ev.Error(err)
	h.ev.Close()
}

// drop closes the handle from the remote side.
func (h *fakeHandle) drop() {
	h.mu.Lock()
	h.state = transport.StateClosed
	h.mu.Unlock()
	h.ev.Close()
}

// deliver hands a message to the handler registered for address. A non-nil
// replies slice makes the message answerable.
func (h *fakeHandle) deliver(t *testing.T, address string, body any, replies *[]any) {
	t.Helper()
	h.mu.Lock()
	fn := h.handlers[address]
	h.mu.Unlock()
	require.NotNil(t, fn, "no handler registered for %q", address)

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	var replyFn func(any) error
	replyAddr := ""
	if replies != nil {
		replyAddr = "reply-" + address
		replyFn = func(b any) error {
			*replies = append(*replies, b)
			return nil
		}
	}
	fn(nil, transport.NewMessage(address, replyAddr, nil, raw, replyFn))
}

func (h *fakeHandle) registrations(address string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.regs[address]
}

func (h *fakeHandle) lastSend() fakeCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sends[len(h.sends)-1]
}

// fakeDialer records every handle it creates.
type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (d *fakeDialer) Dial(address string, ev transport.Events) transport.Handle {
	h := newFakeHandle(address, ev)
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h
}

func (d *fakeDialer) last() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[len(d.handles)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// connected returns a bridge with an open connection.
func connected(t *testing.T, opts ...Option) (*Bridge, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	b, err := New(d, opts...)
	require.NoError(t, err)

	fut := b.Connect("tcp://localhost:7000")
	d.last().open()
	_, err = fut.Result()
	require.NoError(t, err)
	require.True(t, b.IsOpen())
	return b, d
}

// mockHandle is a testify mock of transport.Handle.
type mockHandle struct{ mock.Mock }

func (m *mockHandle) State() transport.State {
	args := m.Called()
	return args.Get(0).(transport.State)
}

func (m *mockHandle) Close() error {
	return m.Called().Error(0)
}

func (m *mockHandle) Publish(address string, body any, headers map[string]string) error {
	return m.Called(address, body, headers).Error(0)
}

func (m *mockHandle) Send(address string, body any, headers map[string]string, reply transport.ReplyHandler) error {
	return m.Called(address, body, headers, reply).Error(0)
}

func (m *mockHandle) RegisterHandler(address string, h transport.Handler) error {
	return m.Called(address, h).Error(0)
}

func (m *mockHandle) UnregisterHandler(address string) error {
	return m.Called(address).Error(0)
}

var errBoom = errors.New("boom")
