package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/ebbridge/internal/bridge"
	"github.com/dshills/ebbridge/internal/event"
	"github.com/dshills/ebbridge/internal/script"
	"github.com/dshills/ebbridge/internal/transport"
	"github.com/dshills/ebbridge/internal/transport/memory"
)

type fixture struct {
	sched  *Scheduler
	bridge *bridge.Bridge
	broker *memory.Broker
	events event.Bus
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	events := event.NewBus()
	broker := memory.NewBroker(nil)
	b, err := bridge.New(broker.Dialer(), bridge.WithEventBus(events))
	require.NoError(t, err)

	opts = append([]Option{WithEventBus(events)}, opts...)
	s, err := New(b, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
		b.Close()
		events.Close()
	})
	return &fixture{sched: s, bridge: b, broker: broker, events: events}
}

// tickUntil ticks the scheduler until cond holds.
func (f *fixture) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.sched.Tick()
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func (f *fixture) global(name string) lua.LValue {
	return f.sched.State().GetGlobal(name)
}

func TestEchoServiceReplies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.LoadString("echo.lua", `
bus.on_start(function()
  bus.connect("memory://local")
end)

bus.when_receive("myservice", function()
  bus.reply("echo:" .. bus.payload())
end)
`))
	assert.Equal(t, 1, f.sched.Hats())

	f.tickUntil(t, func() bool { return f.bridge.Listening("myservice") })

	var reply *transport.Message
	require.NoError(t, f.broker.Request("myservice", "hi", func(err error, msg *transport.Message) {
		require.NoError(t, err)
		reply = msg
	}))
	f.tickUntil(t, func() bool { return reply != nil })

	assert.Equal(t, "echo:hi", reply.BodyString())
	assert.Equal(t, 0, f.sched.Threads())
}

func TestRequestReturnsReply(t *testing.T) {
	f := newFixture(t)
	f.broker.Echo("svc")

	require.NoError(t, f.sched.LoadString("client.lua", `
bus.on_start(function()
  bus.connect("memory://local")
  result = bus.request("svc", "ping")
  number = bus.request("svc", 42)
end)
`))

	f.tickUntil(t, func() bool { return f.global("number") != lua.LNil })

	assert.Equal(t, lua.LString(`"ping"`), f.global("result"))
	assert.Equal(t, lua.LString(`"42"`), f.global("number"))
}

func TestConnectDefaultAddress(t *testing.T) {
	f := newFixture(t, WithDefaultAddress("memory://default"))

	require.NoError(t, f.sched.LoadString("default.lua", `
bus.on_start(function()
  bus.connect()
  open = bus.is_open()
end)
`))
	f.tickUntil(t, func() bool { return f.global("open") != lua.LNil })

	assert.Equal(t, lua.LTrue, f.global("open"))
	assert.Equal(t, "memory://default", f.bridge.Address())
}

func TestRequestWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	f.broker.Echo("svc")

	require.NoError(t, f.sched.LoadString("offline.lua", `
bus.on_start(function()
  result = bus.request("svc", "ping")
end)
`))
	f.sched.Tick()

	assert.Equal(t, lua.LString(""), f.global("result"))
	assert.Equal(t, 0, f.sched.Threads())
}

func TestRequestFailureRaises(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.LoadString("nobody.lua", `
bus.on_start(function()
  bus.connect("memory://local")
  bus.request("nobody", "ping")
  reached = true
end)
`))
	f.tickUntil(t, func() bool { return f.sched.Threads() == 0 })

	assert.Equal(t, lua.LNil, f.global("reached"))
	assert.True(t, f.bridge.IsOpen())
}

func TestConnectFailureEndsThread(t *testing.T) {
	f := newFixture(t)
	f.broker.Fail(errors.New("refused"))

	require.NoError(t, f.sched.LoadString("fail.lua", `
bus.on_start(function()
  started = true
  bus.connect("memory://local")
  reached = true
end)
`))
	f.tickUntil(t, func() bool { return f.sched.Threads() == 0 })

	assert.Equal(t, lua.LTrue, f.global("started"))
	assert.Equal(t, lua.LNil, f.global("reached"))
	assert.False(t, f.bridge.IsOpen())
}

func TestPayloadOutsideContext(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.LoadString("noctx.lua", `
bus.on_start(function()
  ok, err = pcall(bus.payload)
  rok = pcall(bus.reply, "x")
end)
`))
	f.sched.Tick()

	assert.Equal(t, lua.LFalse, f.global("ok"))
	assert.Contains(t, f.global("err").String(), bridge.ErrNoContextMessage.Error())
	assert.Equal(t, lua.LFalse, f.global("rok"))
}

func TestEachThreadSeesItsOwnMessage(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.LoadString("news.lua", `
got = {}

bus.on_start(function()
  bus.connect("memory://local")
end)

bus.when_receive("news", function()
  local mine = bus.payload()
  bus.wait()
  table.insert(got, mine .. "=" .. bus.payload())
end)
`))
	f.tickUntil(t, func() bool { return f.bridge.Listening("news") })

	require.NoError(t, f.broker.Publish("news", "a"))
	require.NoError(t, f.broker.Publish("news", "b"))

	f.tickUntil(t, func() bool {
		got, _ := script.ToGoValue(f.global("got")).([]any)
		return len(got) == 2
	})
	assert.Equal(t, []any{"a=a", "b=b"}, script.ToGoValue(f.global("got")))
}

func TestHatFiresOncePerTick(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.LoadString("count.lua", `
count = 0
bus.on_start(function()
  bus.connect("memory://local")
end)
bus.when_receive("jobs", function()
  count = count + 1
end)
`))
	f.tickUntil(t, func() bool { return f.bridge.Listening("jobs") })

	for i := 0; i < 3; i++ {
		require.NoError(t, f.broker.Publish("jobs", i))
	}

	f.sched.Tick()
	assert.Equal(t, lua.LNumber(1), f.global("count"))
	assert.Equal(t, 2, f.bridge.PendingMessages("jobs"))

	f.sched.Tick()
	f.sched.Tick()
	assert.Equal(t, lua.LNumber(3), f.global("count"))
}

func TestSendReachesConsumer(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var bodies []string
	f.broker.Consume("log", func(msg *transport.Message) {
		mu.Lock()
		bodies = append(bodies, msg.BodyString())
		mu.Unlock()
	})

	require.NoError(t, f.sched.LoadString("send.lua", `
bus.on_start(function()
  bus.connect("memory://local")
  bus.send("log", 42)
  bus.send("log", {a = 1})
  done = true
end)
`))
	f.tickUntil(t, func() bool { return f.global("done") == lua.LTrue })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"42", `{"a":1}`}, bodies)
}

func TestWaitUsesClock(t *testing.T) {
	now := time.Unix(1000, 0)
	f := newFixture(t, WithClock(func() time.Time { return now }))

	require.NoError(t, f.sched.LoadString("wait.lua", `
bus.on_start(function()
  bus.wait(2)
  done = true
end)
`))

	f.sched.Tick()
	f.sched.Tick()
	assert.Equal(t, lua.LNil, f.global("done"))
	assert.Equal(t, 1, f.sched.Threads())

	now = now.Add(2 * time.Second)
	f.sched.Tick()
	assert.Equal(t, lua.LTrue, f.global("done"))
	assert.Equal(t, 0, f.sched.Threads())
}

func TestStopAllEventStopsThreads(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.LoadString("long.lua", `
bus.on_start(function()
  bus.connect("memory://local")
  bus.wait(60)
  reached = true
end)
bus.when_receive("x", function() end)
`))
	f.tickUntil(t, func() bool { return f.bridge.IsOpen() && f.bridge.Listening("x") })
	f.sched.Tick()
	require.Equal(t, 1, f.sched.Threads())

	require.NoError(t, f.events.Publish(context.Background(), event.TopicStopAll, nil))
	f.sched.Tick()

	assert.Equal(t, 0, f.sched.Threads())
	assert.Equal(t, 1, f.sched.Hats())
	assert.False(t, f.bridge.IsOpen())
	assert.Equal(t, lua.LNil, f.global("reached"))
}

func TestStopAllFromScript(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.LoadString("stop.lua", `
bus.on_start(function()
  bus.connect("memory://local")
  bus.stop_all()
  after = true
end)
bus.on_start(function()
  bus.wait(60)
end)
`))
	f.tickUntil(t, func() bool { return f.sched.Threads() == 0 })

	assert.Equal(t, lua.LNil, f.global("after"))
	assert.False(t, f.bridge.IsOpen())
}

func TestStopAllWithoutEventBus(t *testing.T) {
	broker := memory.NewBroker(nil)
	b, err := bridge.New(broker.Dialer())
	require.NoError(t, err)
	defer b.Close()

	s, err := New(b)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.LoadString("idle.lua", `bus.on_start(function() bus.wait(60) end)`))
	s.Tick()
	require.Equal(t, 1, s.Threads())

	s.StopAll()
	s.Tick()
	assert.Equal(t, 0, s.Threads())
}

func TestOnStartAtRunTime(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.LoadString("nested.lua", `
bus.on_start(function()
  bus.on_start(function()
    inner = true
  end)
end)
`))
	f.sched.Tick()
	assert.Equal(t, lua.LNil, f.global("inner"))

	f.sched.Tick()
	assert.Equal(t, lua.LTrue, f.global("inner"))
}

func TestBusCallsOutsideThreads(t *testing.T) {
	f := newFixture(t)

	for _, code := range []string{
		`bus.connect("memory://local")`,
		`bus.request("svc", "x")`,
		`bus.wait(1)`,
	} {
		err := f.sched.LoadString("top.lua", code)
		require.Error(t, err, code)
		assert.Contains(t, err.Error(), "can only be used inside", code)
	}
}

func TestRequireBusModule(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.LoadString("req.lua", `
local b = require("bus")
same = b == bus
open = b.is_open()
`))
	assert.Equal(t, lua.LTrue, f.global("same"))
	assert.Equal(t, lua.LFalse, f.global("open"))
}

func TestEncodeDecode(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.LoadString("json.lua", `
local t = bus.decode('{"a":[1,2]}')
second = t.a[2]
text = bus.encode({n = 1})
`))
	assert.Equal(t, lua.LNumber(2), f.global("second"))
	assert.Equal(t, lua.LString(`{"n":1}`), f.global("text"))
}

func TestExecutionTimeoutFailsThread(t *testing.T) {
	f := newFixture(t, WithExecutionTimeout(50*time.Millisecond))

	require.NoError(t, f.sched.LoadString("spin.lua", `
bus.on_start(function()
  while true do end
end)
bus.on_start(function()
  fine = true
end)
`))
	f.sched.Tick()

	assert.Equal(t, 0, f.sched.Threads())
	assert.Equal(t, lua.LTrue, f.global("fine"))
}

func writeScript(t *testing.T, dir, name, code string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(code), 0o644))
	return path
}

func TestLoadFiles(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	good := writeScript(t, dir, "good.lua", `bus.when_receive("a", function() end)`)
	bad := writeScript(t, dir, "bad.lua", `this is not lua`)

	err := f.sched.Load([]string{good, bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.lua")
	assert.Equal(t, 1, f.sched.Hats())

	require.NoError(t, f.sched.Load([]string{good}))
	assert.Equal(t, 1, f.sched.Hats())
}

func TestRunReloadsScripts(t *testing.T) {
	f := newFixture(t, WithTick(time.Millisecond))
	dir := t.TempDir()
	path := writeScript(t, dir, "hats.lua", `
bus.when_receive("a", function() end)
bus.when_receive("b", function() end)
`)

	reloaded := make(chan any, 1)
	_, err := f.events.SubscribeFunc(event.TopicScriptsReloaded, func(_ context.Context, ev event.Event) error {
		reloaded <- ev.Payload
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	f.sched.Reload([]string{path})

	select {
	case payload := <-reloaded:
		assert.Equal(t, []string{path}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("scripts were not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, 2, f.sched.Hats())
	assert.Positive(t, f.sched.Ticks())
}
