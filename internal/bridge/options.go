package bridge

import (
	"time"

	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/event"
)

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger         *zap.Logger
	events         event.Bus
	requestTimeout time.Duration
	headers        map[string]string
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEventBus subscribes the bridge to host lifecycle events and lets it
// publish connection state changes.
func WithEventBus(b event.Bus) Option {
	return func(o *options) {
		o.events = b
	}
}

// WithRequestTimeout rejects requests that get no reply within d. Zero
// disables the timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.requestTimeout = d
		}
	}
}

// WithHeaders sets headers attached to every outgoing send and publish.
func WithHeaders(h map[string]string) Option {
	return func(o *options) {
		o.headers = h
	}
}
