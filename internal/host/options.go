package host

import (
	"time"

	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/event"
)

// DefaultTick is the scheduler period, about 30 frames per second.
const DefaultTick = 33 * time.Millisecond

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	tick             time.Duration
	executionTimeout time.Duration
	events           event.Bus
	logger           *zap.Logger
	now              func() time.Time
	defaultAddress   string
}

func defaultOptions() options {
	return options{
		tick:   DefaultTick,
		logger: zap.NewNop(),
		now:    time.Now,
	}
}

// WithTick sets the scheduler period.
func WithTick(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithExecutionTimeout bounds each script load and each thread resume.
func WithExecutionTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.executionTimeout = d
		}
	}
}

// WithEventBus lets the scheduler follow and raise "stop all".
func WithEventBus(b event.Bus) Option {
	return func(o *options) {
		o.events = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces the clock used by bus.wait.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDefaultAddress sets the address bus.connect uses when called without
// one.
func WithDefaultAddress(address string) Option {
	return func(o *options) {
		o.defaultAddress = address
	}
}
