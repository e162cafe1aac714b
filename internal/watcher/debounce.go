package watcher

import (
	"sort"
	"sync"
	"time"
)

// DefaultDelay is the quiet period that ends a burst of changes.
const DefaultDelay = 200 * time.Millisecond

// Debouncer coalesces the events of a Watcher into batches. A batch is
// emitted once no event has arrived for the delay; each path appears once
// with its operations merged.
type Debouncer struct {
	inner Watcher
	delay time.Duration

	mu      sync.Mutex
	pending map[string]Event
	timer   *time.Timer

	batches  chan []Event
	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// NewDebouncer starts debouncing inner. A non-positive delay selects
// DefaultDelay.
func NewDebouncer(inner Watcher, delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}

	d := &Debouncer{
		inner:   inner,
		delay:   delay,
		pending: make(map[string]Event),
		batches: make(chan []Event, 16),
		closeCh: make(chan struct{}),
	}

	d.closedWg.Add(1)
	go d.processLoop()

	return d
}

// Batches returns the channel of coalesced events. It is never closed.
func (d *Debouncer) Batches() <-chan []Event {
	return d.batches
}

// Errors returns the errors of the inner watcher.
func (d *Debouncer) Errors() <-chan error {
	return d.inner.Errors()
}

// PendingCount returns the number of paths waiting in the current burst.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush emits the pending batch immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.fire()
}

// Close stops debouncing and closes the inner watcher.
func (d *Debouncer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeCh)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = make(map[string]Event)
	d.mu.Unlock()

	err := d.inner.Close()
	d.closedWg.Wait()
	return err
}

func (d *Debouncer) processLoop() {
	defer d.closedWg.Done()

	for {
		select {
		case <-d.closeCh:
			return
		case ev, ok := <-d.inner.Events():
			if !ok {
				return
			}
			d.add(ev)
		}
	}
}

func (d *Debouncer) add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if p, ok := d.pending[ev.Path]; ok {
		ev.Op |= p.Op
	}
	d.pending[ev.Path] = ev

	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
		return
	}
	d.timer.Reset(d.delay)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.closed || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := make([]Event, 0, len(d.pending))
	for _, ev := range d.pending {
		batch = append(batch, ev)
	}
	d.pending = make(map[string]Event)
	d.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })

	select {
	case d.batches <- batch:
	case <-d.closeCh:
	}
}
