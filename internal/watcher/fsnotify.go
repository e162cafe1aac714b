package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultExtension is the file extension of scripts.
const DefaultExtension = ".lua"

// FSNotifyWatcher implements Watcher using fsnotify. Only files with the
// configured extension produce events; hidden files never do.
type FSNotifyWatcher struct {
	mu sync.RWMutex

	watcher *fsnotify.Watcher
	ext     string
	paths   map[string]bool

	events chan Event
	errors chan error

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// NewFSNotifyWatcher creates a watcher for files ending in ext. An empty ext
// selects DefaultExtension.
func NewFSNotifyWatcher(ext string) (*FSNotifyWatcher, error) {
	if ext == "" {
		ext = DefaultExtension
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &FSNotifyWatcher{
		watcher: fsw,
		ext:     ext,
		paths:   make(map[string]bool),
		events:  make(chan Event, 100),
		errors:  make(chan error, 100),
		closeCh: make(chan struct{}),
	}

	w.closedWg.Add(1)
	go w.processLoop()

	return w, nil
}

// Watch starts watching path. A file is watched through its directory so
// editors that replace files on save are still seen.
func (w *FSNotifyWatcher) Watch(path string) error {
	dir, err := watchDir(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if w.paths[dir] {
		return ErrAlreadyWatching
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.paths[dir] = true
	return nil
}

// Unwatch stops watching path.
func (w *FSNotifyWatcher) Unwatch(path string) error {
	dir, err := watchDir(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if !w.paths[dir] {
		return ErrNotWatching
	}
	if err := w.watcher.Remove(dir); err != nil {
		return err
	}
	delete(w.paths, dir)
	return nil
}

// watchDir returns the absolute directory that covers path.
func watchDir(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrPathNotExist
		}
		return "", err
	}
	if !info.IsDir() {
		return filepath.Dir(absPath), nil
	}
	return absPath, nil
}

// IsWatching reports whether the directory covering path is watched.
func (w *FSNotifyWatcher) IsWatching(path string) bool {
	dir, err := watchDir(path)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.paths[dir]
}

// Events returns the event channel.
func (w *FSNotifyWatcher) Events() <-chan Event {
	return w.events
}

// Errors returns the error channel.
func (w *FSNotifyWatcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher.
func (w *FSNotifyWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.closedWg.Wait()

	close(w.events)
	close(w.errors)

	return w.watcher.Close()
}

func (w *FSNotifyWatcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case fsEvent, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(fsEvent)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.send(w.errors, err)
		}
	}
}

func (w *FSNotifyWatcher) handleFSEvent(fsEvent fsnotify.Event) {
	op := convertOp(fsEvent.Op)
	if op == 0 || !w.isScript(fsEvent.Name) {
		return
	}

	select {
	case w.events <- Event{Path: fsEvent.Name, Op: op, Timestamp: time.Now()}:
	default:
		w.send(w.errors, errors.New("event channel full, dropping event"))
	}
}

func (w *FSNotifyWatcher) isScript(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return filepath.Ext(base) == w.ext
}

func (w *FSNotifyWatcher) send(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// convertOp converts fsnotify.Op to watcher.Op. Chmod is not a change.
func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	return op
}

var _ Watcher = (*FSNotifyWatcher)(nil)
