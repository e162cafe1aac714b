package bridge

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/transport"
)

// PendingRequest is a request awaiting its reply.
type PendingRequest struct {
	ID      string
	Address string
	Payload string
	Future  *Future[string]

	timer *time.Timer
}

// RequestCorrelator sends fire-and-forget messages and matches requests to
// their replies.
type RequestCorrelator struct {
	conn *ConnectionManager

	mu      sync.Mutex
	pending map[string]*PendingRequest

	timeout time.Duration
	headers map[string]string
	logger  *zap.Logger
}

// NewRequestCorrelator creates a correlator that sends through conn. A zero
// timeout disables request timeouts.
func NewRequestCorrelator(conn *ConnectionManager, timeout time.Duration, headers map[string]string, logger *zap.Logger) *RequestCorrelator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestCorrelator{
		conn:    conn,
		pending: make(map[string]*PendingRequest),
		timeout: timeout,
		headers: headers,
		logger:  logger,
	}
}

// Request sends payload to address and returns a future for the reply. The
// future resolves with the JSON text of the reply body.
//
// When the connection is not open nothing is sent and the returned future is
// already resolved with an empty string.
func (r *RequestCorrelator) Request(address, payload string) *Future[string] {
	h, ok := r.conn.openHandle()
	if !ok {
		r.logger.Info("cannot send request while disconnected", zap.String("address", address), zap.Error(ErrNotConnected))
		return Resolved("")
	}

	p := &PendingRequest{
		ID:      uuid.NewString(),
		Address: address,
		Payload: payload,
		Future:  NewFuture[string](),
	}
	r.track(p)

	r.logger.Debug("sending request", zap.String("address", address), zap.String("id", p.ID))

	err := h.Send(address, payload, r.headersCopy(), func(err error, msg *transport.Message) {
		if err != nil {
			r.reject(p, &RequestError{Address: address, Err: err})
			return
		}
		r.resolve(p, replyText(msg))
	})
	if err != nil {
		r.reject(p, &RequestError{Address: address, Err: err})
	}
	return p.Future
}

// Send publishes payload to address. When the connection is not open the
// message is dropped and logged.
func (r *RequestCorrelator) Send(address, payload string) {
	h, ok := r.conn.openHandle()
	if !ok {
		r.logger.Info("cannot send message while disconnected", zap.String("address", address), zap.Error(ErrNotConnected))
		return
	}
	if err := h.Publish(address, payload, r.headersCopy()); err != nil {
		r.logger.Warn("publishing message", zap.String("address", address), zap.Error(err))
	}
}

// CancelAll rejects every pending request with reason.
func (r *RequestCorrelator) CancelAll(reason error) int {
	r.mu.Lock()
	pending := make([]*PendingRequest, 0, len(r.pending))
	for _, p := range r.pending {
		pending = append(pending, p)
	}
	r.mu.Unlock()

	n := 0
	for _, p := range pending {
		if r.reject(p, reason) {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("cancelled pending requests", zap.Int("count", n), zap.Error(reason))
	}
	return n
}

// Pending returns the number of requests awaiting a reply.
func (r *RequestCorrelator) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *RequestCorrelator) track(p *PendingRequest) {
	r.mu.Lock()
	r.pending[p.ID] = p
	if r.timeout > 0 {
		p.timer = time.AfterFunc(r.timeout, func() {
			if r.reject(p, ErrRequestTimeout) {
				r.logger.Warn("request timed out", zap.String("address", p.Address), zap.Duration("timeout", r.timeout))
			}
		})
	}
	r.mu.Unlock()
}

func (r *RequestCorrelator) untrack(p *PendingRequest) {
	r.mu.Lock()
	delete(r.pending, p.ID)
	if p.timer != nil {
		p.timer.Stop()
	}
	r.mu.Unlock()
}

func (r *RequestCorrelator) resolve(p *PendingRequest, value string) bool {
	r.untrack(p)
	return p.Future.Resolve(value)
}

func (r *RequestCorrelator) reject(p *PendingRequest, err error) bool {
	r.untrack(p)
	return p.Future.Reject(err)
}

func (r *RequestCorrelator) headersCopy() map[string]string {
	h := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		h[k] = v
	}
	return h
}

// replyText returns the compact JSON encoding of a reply body. A string body
// keeps its quotes.
func replyText(msg *transport.Message) string {
	if msg == nil || len(msg.Body) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg.Body); err != nil {
		return string(msg.Body)
	}
	return buf.String()
}
