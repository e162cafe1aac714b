package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Resolve expands roots into the script files to load. A directory
// contributes its non-hidden files with ext, sorted by name; a file is used
// as given. Duplicates are dropped. Missing roots are reported in the
// returned error while the rest are still resolved.
func Resolve(roots []string, ext string) ([]string, error) {
	if ext == "" {
		ext = DefaultExtension
	}

	var (
		paths []string
		errs  []error
		seen  = make(map[string]bool)
	)
	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			errs = append(errs, fmt.Errorf("script path %s: %w", root, err))
			continue
		}
		if !info.IsDir() {
			add(root)
			continue
		}

		entries, err := os.ReadDir(root)
		if err != nil {
			errs = append(errs, fmt.Errorf("script dir %s: %w", root, err))
			continue
		}
		var names []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ext {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			add(filepath.Join(root, name))
		}
	}

	return paths, errors.Join(errs...)
}

// ReloadFunc receives the full script set after a change.
type ReloadFunc func(paths []string)

// Option configures a ScriptWatcher.
type Option func(*ScriptWatcher)

// WithDelay sets the debounce delay.
func WithDelay(d time.Duration) Option {
	return func(sw *ScriptWatcher) {
		sw.delay = d
	}
}

// WithExtension sets the script file extension.
func WithExtension(ext string) Option {
	return func(sw *ScriptWatcher) {
		if ext != "" {
			sw.ext = ext
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(sw *ScriptWatcher) {
		if l != nil {
			sw.logger = l
		}
	}
}

// WithWatcher replaces the file system watcher.
func WithWatcher(w Watcher) Option {
	return func(sw *ScriptWatcher) {
		sw.inner = w
	}
}

// ScriptWatcher reloads the script set whenever a script under its roots
// changes.
type ScriptWatcher struct {
	roots  []string
	reload ReloadFunc
	ext    string
	delay  time.Duration
	logger *zap.Logger

	inner     Watcher
	debouncer *Debouncer
}

// NewScriptWatcher watches roots and calls reload with the resolved script
// set after each burst of changes.
func NewScriptWatcher(roots []string, reload ReloadFunc, opts ...Option) (*ScriptWatcher, error) {
	sw := &ScriptWatcher{
		roots:  roots,
		reload: reload,
		ext:    DefaultExtension,
		delay:  DefaultDelay,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(sw)
	}

	if sw.inner == nil {
		w, err := NewFSNotifyWatcher(sw.ext)
		if err != nil {
			return nil, fmt.Errorf("creating file watcher: %w", err)
		}
		sw.inner = w
	}

	for _, root := range roots {
		err := sw.inner.Watch(root)
		if err != nil && !errors.Is(err, ErrAlreadyWatching) {
			_ = sw.inner.Close()
			return nil, fmt.Errorf("watching %s: %w", root, err)
		}
	}

	sw.debouncer = NewDebouncer(sw.inner, sw.delay)
	return sw, nil
}

// Run reloads on changes until ctx is done, then closes the watcher.
func (sw *ScriptWatcher) Run(ctx context.Context) error {
	defer sw.debouncer.Close()

	sw.logger.Info("watching scripts", zap.Strings("roots", sw.roots))
	for {
		select {
		case <-ctx.Done():
			return nil

		case batch := <-sw.debouncer.Batches():
			var changed, removed []string
			for _, ev := range batch {
				if ev.Op.Has(OpRemove) || ev.Op.Has(OpRename) {
					removed = append(removed, ev.Path)
					continue
				}
				changed = append(changed, ev.Path)
			}
			sw.logger.Info("scripts changed", zap.Strings("files", changed), zap.Strings("removed", removed))

			paths, err := Resolve(sw.roots, sw.ext)
			if err != nil {
				sw.logger.Warn("resolving scripts", zap.Error(err))
			}
			sw.reload(paths)

		case err, ok := <-sw.debouncer.Errors():
			if !ok {
				return nil
			}
			sw.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
