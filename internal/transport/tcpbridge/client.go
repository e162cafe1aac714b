// Package tcpbridge implements the transport contract over the Vert.x TCP
// event-bus bridge.
//
// Every frame is a 4-byte big-endian length followed by a UTF-8 JSON object
// whose "type" field selects the operation. Replies travel to generated reply
// addresses, and a ping keeps the bridge from timing the socket out.
package tcpbridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/transport"
)

// Defaults used by NewDialer.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultPingInterval = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Option configures a Dialer.
type Option func(*Dialer)

// WithDialTimeout bounds the TCP connect.
func WithDialTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.dialTimeout = d
		}
	}
}

// WithPingInterval sets how often a ping frame is sent. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(dl *Dialer) {
		if d >= 0 {
			dl.pingInterval = d
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(dl *Dialer) {
		if l != nil {
			dl.logger = l
		}
	}
}

// Dialer opens bridge connections.
type Dialer struct {
	dialTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewDialer creates a Dialer.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		dialTimeout:  DefaultDialTimeout,
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ParseAddress accepts "tcp://host:port" or "host:port" and returns the
// host:port form.
func ParseAddress(address string) (string, error) {
	hostport := strings.TrimPrefix(strings.TrimSpace(address), "tcp://")
	hostport = strings.TrimSuffix(hostport, "/")
	if _, port, err := net.SplitHostPort(hostport); err != nil || port == "" {
		return "", fmt.Errorf("%w: %q", transport.ErrInvalidAddress, address)
	}
	return hostport, nil
}

// Dial starts connecting to address. The outcome is reported through ev from
// the connection's goroutine.
func (d *Dialer) Dial(address string, ev transport.Events) transport.Handle {
	c := &conn{
		dialer:   d,
		address:  address,
		ev:       ev,
		state:    transport.StateConnecting,
		handlers: make(map[string]transport.Handler),
		replies:  make(map[string]transport.ReplyHandler),
		done:     make(chan struct{}),
		logger:   d.logger.With(zap.String("address", address)),
	}
	go c.run()
	return c
}

// conn is one bridge connection.
type conn struct {
	dialer  *Dialer
	address string
	ev      transport.Events
	logger  *zap.Logger

	mu       sync.Mutex
	state    transport.State
	nc       net.Conn
	handlers map[string]transport.Handler
	replies  map[string]transport.ReplyHandler

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) run() {
	hostport, err := ParseAddress(c.address)
	if err == nil {
		var nc net.Conn
		nc, err = net.DialTimeout("tcp", hostport, c.dialer.dialTimeout)
		if err == nil {
			c.serve(nc)
			return
		}
	}

	c.logger.Warn("dial failed", zap.Error(err))
	c.mu.Lock()
	c.state = transport.StateClosed
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	c.ev.Error(err)
	c.ev.Close()
}

func (c *conn) serve(nc net.Conn) {
	c.mu.Lock()
	if c.state != transport.StateConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		_ = nc.Close()
		c.shutdown()
		c.ev.Close()
		return
	}
	c.nc = nc
	c.state = transport.StateOpen
	c.mu.Unlock()

	c.logger.Debug("connected")
	c.ev.Open()

	if c.dialer.pingInterval > 0 {
		go c.pingLoop(c.dialer.pingInterval)
	}

	err := c.readLoop(bufio.NewReader(nc))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("read failed", zap.Error(err))
	}
	c.shutdown()
	c.ev.Close()
}

func (c *conn) readLoop(r io.Reader) error {
	for {
		env, err := readFrame(r)
		if errors.Is(err, ErrMalformedFrame) {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *conn) dispatch(env *envelope) {
	switch env.Type {
	case typeMessage:
		c.deliver(env)
	case typeErr:
		c.logger.Warn("bridge reported error", zap.String("message", env.Message))
		if env.Address != "" {
			c.deliver(env)
		}
	case typePong:
		c.logger.Debug("pong")
	default:
		c.logger.Debug("ignoring frame", zap.String("type", env.Type))
	}
}

func (c *conn) deliver(env *envelope) {
	c.mu.Lock()
	reply, isReply := c.replies[env.Address]
	if isReply {
		delete(c.replies, env.Address)
	}
	handler := c.handlers[env.Address]
	c.mu.Unlock()

	if isReply {
		if env.failed() {
			reply(env.failure(), nil)
			return
		}
		reply(nil, c.message(env))
		return
	}

	if handler == nil {
		c.logger.Debug("no handler for message", zap.String("target", env.Address))
		return
	}
	if env.failed() {
		handler(env.failure(), nil)
		return
	}
	handler(nil, c.message(env))
}

func (c *conn) message(env *envelope) *transport.Message {
	var replyFn func(any) error
	if env.ReplyAddress != "" {
		replyTo := env.ReplyAddress
		replyFn = func(body any) error {
			raw, err := transport.EncodeBody(body)
			if err != nil {
				return err
			}
			return c.write(&envelope{Type: typeSend, Address: replyTo, Body: raw})
		}
	}
	return transport.NewMessage(env.Address, env.ReplyAddress, env.Headers, env.Body, replyFn)
}

func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(&envelope{Type: typePing}); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *conn) write(env *envelope) error {
	c.mu.Lock()
	nc := c.nc
	open := c.state == transport.StateOpen
	c.mu.Unlock()
	if !open || nc == nil {
		return transport.ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.dialer.writeTimeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(c.dialer.writeTimeout))
	}
	return writeFrame(nc, env)
}

// shutdown closes the socket and fails every pending reply.
func (c *conn) shutdown() {
	c.mu.Lock()
	nc := c.nc
	c.state = transport.StateClosed
	pending := c.replies
	c.replies = make(map[string]transport.ReplyHandler)
	c.handlers = make(map[string]transport.Handler)
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	if nc != nil {
		_ = nc.Close()
	}
	for _, reply := range pending {
		reply(transport.ErrClosed, nil)
	}
}

func (c *conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close closes the connection. OnClose fires from the read goroutine.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.state == transport.StateClosed || c.state == transport.StateClosing {
		c.mu.Unlock()
		return nil
	}
	connecting := c.state == transport.StateConnecting
	c.state = transport.StateClosing
	nc := c.nc
	c.mu.Unlock()

	if connecting {
		// serve observes the state change once the dial returns.
		return nil
	}
	return nc.Close()
}

func (c *conn) Publish(address string, body any, headers map[string]string) error {
	raw, err := transport.EncodeBody(body)
	if err != nil {
		return err
	}
	return c.write(&envelope{Type: typePublish, Address: address, Headers: headers, Body: raw})
}

func (c *conn) Send(address string, body any, headers map[string]string, reply transport.ReplyHandler) error {
	raw, err := transport.EncodeBody(body)
	if err != nil {
		return err
	}

	env := &envelope{Type: typeSend, Address: address, Headers: headers, Body: raw}
	if reply != nil {
		env.ReplyAddress = uuid.NewString()
		c.mu.Lock()
		c.replies[env.ReplyAddress] = reply
		c.mu.Unlock()
	}

	if err := c.write(env); err != nil {
		if reply != nil {
			c.mu.Lock()
			delete(c.replies, env.ReplyAddress)
			c.mu.Unlock()
		}
		return err
	}
	return nil
}

func (c *conn) RegisterHandler(address string, h transport.Handler) error {
	if address == "" {
		return transport.ErrInvalidAddress
	}
	c.mu.Lock()
	_, exists := c.handlers[address]
	c.handlers[address] = h
	c.mu.Unlock()

	if exists {
		return nil
	}
	if err := c.write(&envelope{Type: typeRegister, Address: address}); err != nil {
		c.mu.Lock()
		delete(c.handlers, address)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *conn) UnregisterHandler(address string) error {
	c.mu.Lock()
	_, exists := c.handlers[address]
	delete(c.handlers, address)
	c.mu.Unlock()

	if !exists {
		return nil
	}
	return c.write(&envelope{Type: typeUnregister, Address: address})
}
