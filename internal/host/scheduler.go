package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/ebbridge/internal/bridge"
	"github.com/dshills/ebbridge/internal/event"
	"github.com/dshills/ebbridge/internal/script"
)

// ModuleName is the name scripts require the bus module by. The module is
// also installed as a global.
const ModuleName = "bus"

// Bridge is the part of the event-bus bridge the scripts drive.
type Bridge interface {
	Connect(address string) *bridge.Future[struct{}]
	Disconnect()
	IsOpen() bool
	Send(address, payload string)
	Request(address, payload string) *bridge.Future[string]
	WhenReceive(address string) (*bridge.ExecutionContext, bool)
	Payload(ec *bridge.ExecutionContext) (string, error)
	Reply(ec *bridge.ExecutionContext, payload string) error
}

// hat is a polled trigger registered by bus.when_receive.
type hat struct {
	address string
	script  string
	fn      *lua.LFunction
}

// starter is a body registered by bus.on_start.
type starter struct {
	script string
	fn     *lua.LFunction
}

// Scheduler runs scripts cooperatively. Every tick it polls each hat once,
// starts a thread per triggered hat and resumes every runnable thread until
// it yields or ends.
//
// All Lua work happens on the goroutine that calls Run (or Tick and Load
// directly). Reload and StopAll may be called from any goroutine.
type Scheduler struct {
	bridge Bridge
	opts   options
	logger *zap.Logger

	state    *script.State
	threads  []*Thread
	byCo     map[*lua.LState]*Thread
	hats     []*hat
	starters []starter
	queued   []starter
	loading  string

	stopRequested atomic.Bool
	reloadCh      chan []string
	stopSub       event.Subscription
	ticks         atomic.Uint64
}

// New creates a scheduler driving b. Scripts are loaded with Load.
func New(b Bridge, opts ...Option) (*Scheduler, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Scheduler{
		bridge:   b,
		opts:     o,
		logger:   o.logger,
		byCo:     make(map[*lua.LState]*Thread),
		reloadCh: make(chan []string, 1),
	}

	if o.events != nil {
		sub, err := o.events.SubscribeFunc(event.TopicStopAll, func(context.Context, event.Event) error {
			s.stopRequested.Store(true)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe to stop all: %w", err)
		}
		s.stopSub = sub
	}

	s.resetState()
	return s, nil
}

func (s *Scheduler) resetState() {
	if s.state != nil {
		_ = s.state.Close()
	}
	var stateOpts []script.StateOption
	if s.opts.executionTimeout > 0 {
		stateOpts = append(stateOpts, script.WithExecutionTimeout(s.opts.executionTimeout))
	}
	s.state = script.NewState(stateOpts...)
	s.threads = nil
	s.byCo = make(map[*lua.LState]*Thread)
	s.hats = nil
	s.starters = nil
	s.queued = nil

	s.state.Preload(ModuleName, s.loader)
	s.installGlobal()
}

// installGlobal exposes the bus module as a global so scripts need not
// require it.
func (s *Scheduler) installGlobal() {
	if err := s.state.DoString(fmt.Sprintf("%s = require(%q)", ModuleName, ModuleName)); err != nil {
		s.logger.Error("installing bus module", zap.Error(err))
	}
}

// Load replaces every loaded script with the files at paths and starts their
// on_start bodies. A script that fails to load is logged and skipped; the
// returned error joins all load failures.
func (s *Scheduler) Load(paths []string) error {
	s.resetState()

	var errs []error
	for _, path := range paths {
		if err := s.loadFile(path); err != nil {
			errs = append(errs, err)
		}
	}
	s.start()
	return errors.Join(errs...)
}

// LoadString adds a script from source text and starts its on_start bodies.
func (s *Scheduler) LoadString(name, code string) error {
	s.loading = name
	defer func() { s.loading = "" }()

	first := len(s.starters)
	if err := s.state.DoString(code); err != nil {
		s.logger.Error("loading script", zap.String("script", name), zap.Error(err))
		return fmt.Errorf("load %s: %w", name, err)
	}
	for _, st := range s.starters[first:] {
		s.spawn(st.script, st.fn, nil)
	}
	return nil
}

func (s *Scheduler) loadFile(path string) error {
	name := filepath.Base(path)
	s.loading = name
	defer func() { s.loading = "" }()

	if err := s.state.DoFile(path); err != nil {
		s.logger.Error("loading script", zap.String("script", name), zap.Error(err))
		return fmt.Errorf("load %s: %w", path, err)
	}
	s.logger.Info("loaded script", zap.String("script", name))
	return nil
}

func (s *Scheduler) start() {
	for _, st := range s.starters {
		s.spawn(st.script, st.fn, nil)
	}
}

// Reload asks the loop to stop everything and load paths.
func (s *Scheduler) Reload(paths []string) {
	for {
		select {
		case s.reloadCh <- paths:
			return
		default:
		}
		// Replace a reload that has not been picked up yet.
		select {
		case <-s.reloadCh:
		default:
		}
	}
}

// StopAll stops every thread at the next tick. With an event bus it raises
// the host "stop all" event, which also disconnects a subscribed bridge.
func (s *Scheduler) StopAll() {
	if s.opts.events == nil {
		s.stopRequested.Store(true)
		s.bridge.Disconnect()
		return
	}
	if err := s.opts.events.Publish(context.Background(), event.TopicStopAll, nil); err != nil {
		s.logger.Warn("publishing stop all", zap.Error(err))
		s.stopRequested.Store(true)
	}
}

// Run ticks until ctx is done, then stops all threads and closes the state.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("tick", s.opts.tick))
	for {
		select {
		case <-ctx.Done():
			s.Close()
			s.logger.Info("scheduler stopped")
			return nil
		case paths := <-s.reloadCh:
			s.reload(paths)
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Scheduler) reload(paths []string) {
	s.logger.Info("reloading scripts", zap.Strings("paths", paths))
	s.StopAll()
	s.stopThreads()
	s.stopRequested.Store(false)

	if err := s.Load(paths); err != nil {
		s.logger.Warn("reload finished with errors", zap.Error(err))
	}
	if s.opts.events != nil {
		_ = s.opts.events.Publish(context.Background(), event.TopicScriptsReloaded, paths)
	}
}

// Tick runs one scheduler step.
func (s *Scheduler) Tick() {
	s.ticks.Add(1)

	if s.stopRequested.Swap(false) {
		s.stopThreads()
	}

	if len(s.queued) > 0 {
		queued := s.queued
		s.queued = nil
		for _, st := range queued {
			s.spawn(st.script, st.fn, nil)
		}
	}

	s.pollHats()
	s.stepThreads()
}

func (s *Scheduler) pollHats() {
	for _, h := range s.hats {
		ec, ok := s.bridge.WhenReceive(h.address)
		if !ok {
			continue
		}
		s.logger.Debug("hat triggered",
			zap.String("script", h.script),
			zap.String("address", h.address),
			zap.String("context", ec.ID.String()))
		s.spawn(h.script, h.fn, ec)
	}
}

func (s *Scheduler) stepThreads() {
	running := make([]*Thread, len(s.threads))
	copy(running, s.threads)

	for _, t := range running {
		var args []lua.LValue
		if t.wait != nil {
			if !t.wait.ready() {
				continue
			}
			args = t.wait.result()
			t.wait = nil
		}

		status, _, err := s.state.Resume(t.co, t.fn, args...)
		switch status {
		case script.ResumeDone:
			s.finish(t)
		case script.ResumeFailed:
			s.logger.Warn("script thread failed",
				zap.String("script", t.Script),
				zap.String("thread", t.ID.String()),
				zap.Error(err))
			s.finish(t)
		}
	}
}

func (s *Scheduler) spawn(scriptName string, fn *lua.LFunction, ec *bridge.ExecutionContext) {
	co, err := s.state.NewThread()
	if err != nil {
		s.logger.Warn("creating thread", zap.String("script", scriptName), zap.Error(err))
		return
	}
	t := &Thread{
		ID:     uuid.New(),
		Script: scriptName,
		co:     co,
		fn:     fn,
		ctx:    ec,
	}
	s.threads = append(s.threads, t)
	s.byCo[co] = t
}

func (s *Scheduler) finish(t *Thread) {
	delete(s.byCo, t.co)
	for i, x := range s.threads {
		if x == t {
			s.threads = append(s.threads[:i], s.threads[i+1:]...)
			break
		}
	}
}

func (s *Scheduler) stopThreads() {
	if n := len(s.threads); n > 0 {
		s.logger.Info("stopping threads", zap.Int("count", n))
	}
	s.threads = nil
	s.byCo = make(map[*lua.LState]*Thread)
	s.queued = nil
}

// Close stops all threads, detaches from the event bus and closes the Lua
// state.
func (s *Scheduler) Close() {
	s.stopThreads()
	if s.stopSub != nil {
		_ = s.opts.events.Unsubscribe(s.stopSub)
		s.stopSub = nil
	}
	if s.state != nil {
		_ = s.state.Close()
	}
}

// Threads returns the number of live threads.
func (s *Scheduler) Threads() int {
	return len(s.threads)
}

// Hats returns the number of registered hats.
func (s *Scheduler) Hats() int {
	return len(s.hats)
}

// Ticks returns the number of ticks run.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// State returns the Lua state.
func (s *Scheduler) State() *script.State {
	return s.state
}
