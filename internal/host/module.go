package host

import (
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/bridge"
	"github.com/dshills/ebbridge/internal/script"
)

// prelude wraps the raw Go functions. connect and request return (ok, value)
// when resumed; the wrappers turn a failure into a Lua error.
const prelude = `
local raw = ...
local bus = {}
for name, fn in pairs(raw) do
  bus[name] = fn
end

local function await(ok, value)
  if not ok then
    error(value, 0)
  end
  return value
end

function bus.connect(address)
  return await(raw.connect(address))
end

function bus.request(address, payload)
  return await(raw.request(address, payload))
end

return bus
`

// loader builds the bus module.
func (s *Scheduler) loader(L *lua.LState) int {
	raw := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"connect":      s.luaConnect,
		"send":         s.luaSend,
		"request":      s.luaRequest,
		"when_receive": s.luaWhenReceive,
		"payload":      s.luaPayload,
		"reply":        s.luaReply,
		"is_open":      s.luaIsOpen,
		"wait":         s.luaWait,
		"on_start":     s.luaOnStart,
		"stop_all":     s.luaStopAll,
		"log":          s.luaLog,
		"encode":       s.luaEncode,
		"decode":       s.luaDecode,
	})

	fn, err := L.LoadString(prelude)
	if err != nil {
		L.RaiseError("loading bus module: %s", err.Error())
		return 0
	}
	L.Push(fn)
	L.Push(raw)
	L.Call(1, 1)
	return 1
}

// thread returns the thread running on L, or nil at load time.
func (s *Scheduler) thread(L *lua.LState) *Thread {
	return s.byCo[L]
}

// mustThread raises a Lua error unless L is a scheduler thread.
func (s *Scheduler) mustThread(L *lua.LState, fn string) *Thread {
	t := s.thread(L)
	if t == nil {
		L.RaiseError("bus.%s can only be used inside bus.on_start or bus.when_receive", fn)
	}
	return t
}

// scriptName names the script making a call.
func (s *Scheduler) scriptName(L *lua.LState) string {
	if t := s.thread(L); t != nil {
		return t.Script
	}
	return s.loading
}

// stringArg reads argument n as text. Tables are sent as JSON; every other
// value converts the way tostring does.
func stringArg(L *lua.LState, n int) string {
	lv := L.Get(n)
	if tbl, ok := lv.(*lua.LTable); ok {
		text, err := script.EncodeJSON(tbl)
		if err != nil {
			L.ArgError(n, err.Error())
		}
		return text
	}
	return script.ToString(lv)
}

// await suspends t on w unless w is already satisfied, in which case the
// results are returned immediately.
func await(L *lua.LState, t *Thread, w waiter) int {
	if w.ready() {
		values := w.result()
		for _, v := range values {
			L.Push(v)
		}
		return len(values)
	}
	t.wait = w
	return L.Yield()
}

func (s *Scheduler) luaConnect(L *lua.LState) int {
	t := s.mustThread(L, "connect")
	address := s.opts.defaultAddress
	if L.Get(1) != lua.LNil {
		address = stringArg(L, 1)
	}
	fut := s.bridge.Connect(address)
	return await(L, t, &futureWaiter[struct{}]{
		fut:   fut,
		value: func(struct{}) lua.LValue { return lua.LNil },
	})
}

func (s *Scheduler) luaSend(L *lua.LState) int {
	s.bridge.Send(stringArg(L, 1), stringArg(L, 2))
	return 0
}

func (s *Scheduler) luaRequest(L *lua.LState) int {
	t := s.mustThread(L, "request")
	fut := s.bridge.Request(stringArg(L, 1), stringArg(L, 2))
	return await(L, t, &futureWaiter[string]{
		fut:   fut,
		value: func(v string) lua.LValue { return lua.LString(v) },
	})
}

func (s *Scheduler) luaWhenReceive(L *lua.LState) int {
	address := stringArg(L, 1)
	fn := L.CheckFunction(2)
	s.hats = append(s.hats, &hat{address: address, script: s.scriptName(L), fn: fn})
	s.logger.Debug("registered hat", zap.String("script", s.scriptName(L)), zap.String("address", address))
	return 0
}

// execContext returns the execution context of the calling thread. Calls made
// outside a thread have none.
func (s *Scheduler) execContext(L *lua.LState) *bridge.ExecutionContext {
	if t := s.thread(L); t != nil {
		return t.ctx
	}
	return nil
}

func (s *Scheduler) luaPayload(L *lua.LState) int {
	body, err := s.bridge.Payload(s.execContext(L))
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LString(body))
	return 1
}

func (s *Scheduler) luaReply(L *lua.LState) int {
	if err := s.bridge.Reply(s.execContext(L), stringArg(L, 1)); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (s *Scheduler) luaIsOpen(L *lua.LState) int {
	L.Push(lua.LBool(s.bridge.IsOpen()))
	return 1
}

func (s *Scheduler) luaWait(L *lua.LState) int {
	t := s.mustThread(L, "wait")
	seconds := float64(L.OptNumber(1, 0))
	if seconds <= 0 {
		t.wait = tickWaiter{}
		return L.Yield()
	}
	t.wait = &timerWaiter{
		until: s.opts.now().Add(time.Duration(seconds * float64(time.Second))),
		now:   s.opts.now,
	}
	return L.Yield()
}

func (s *Scheduler) luaOnStart(L *lua.LState) int {
	fn := L.CheckFunction(1)
	st := starter{script: s.scriptName(L), fn: fn}
	if s.thread(L) != nil {
		// Registered at run time: start on the next tick.
		s.queued = append(s.queued, st)
		return 0
	}
	s.starters = append(s.starters, st)
	return 0
}

func (s *Scheduler) luaStopAll(L *lua.LState) int {
	s.StopAll()
	if s.thread(L) != nil {
		return L.Yield()
	}
	return 0
}

func (s *Scheduler) luaLog(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, stringArg(L, i))
	}
	s.logger.Info(strings.Join(parts, " "), zap.String("script", s.scriptName(L)))
	return 0
}

func (s *Scheduler) luaEncode(L *lua.LState) int {
	text, err := script.EncodeJSON(L.CheckAny(1))
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LString(text))
	return 1
}

func (s *Scheduler) luaDecode(L *lua.LState) int {
	lv, err := script.DecodeJSON(L, L.CheckString(1))
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lv)
	return 1
}
