package host

import (
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/ebbridge/internal/bridge"
)

// Thread is one running script body. It owns the execution context of the
// message that started it, if any.
type Thread struct {
	ID     uuid.UUID
	Script string

	co  *lua.LState
	fn  *lua.LFunction
	ctx *bridge.ExecutionContext

	// wait blocks resumption until it reports ready.
	wait waiter
}

// waiter suspends a thread until some condition holds. result returns the
// values the suspended call returns to Lua.
type waiter interface {
	ready() bool
	result() []lua.LValue
}

// futureWaiter resumes when a bridge future settles. The call returns
// (true, value) on success and (false, message) on failure.
type futureWaiter[T any] struct {
	fut   *bridge.Future[T]
	value func(T) lua.LValue
}

func (w *futureWaiter[T]) ready() bool {
	return w.fut.Ready()
}

func (w *futureWaiter[T]) result() []lua.LValue {
	v, err := w.fut.Result()
	if err != nil {
		return []lua.LValue{lua.LFalse, lua.LString(err.Error())}
	}
	return []lua.LValue{lua.LTrue, w.value(v)}
}

// timerWaiter resumes once a deadline passes.
type timerWaiter struct {
	until time.Time
	now   func() time.Time
}

func (w *timerWaiter) ready() bool {
	return !w.now().Before(w.until)
}

func (w *timerWaiter) result() []lua.LValue {
	return nil
}

// tickWaiter resumes on the next tick.
type tickWaiter struct{}

func (tickWaiter) ready() bool          { return true }
func (tickWaiter) result() []lua.LValue { return nil }
