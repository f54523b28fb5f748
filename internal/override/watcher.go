package override

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change describes a file appearing, changing or disappearing under the
// substitution directory, keyed by the request path it overrides.
type Change struct {
	URLPath string
	Op      string // "added", "modified" or "removed"
}

// Watcher logs changes to the substitution directory. It never caches
// anything: the Resolver still checks the filesystem on every request.
type Watcher struct {
	dir      string
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	onChange func(Change)

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long events for one path are coalesced.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithOnChange registers a callback invoked for every reported change.
func WithOnChange(fn func(Change)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		dir:       abs,
		fsw:       fsw,
		logger:    logger.With("component", "override_watcher"),
		debounce:  100 * time.Millisecond,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. A missing directory is not an error; the watcher
// stays idle because there is nothing to override yet.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if _, err := os.Stat(w.dir); errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("substitution directory does not exist; not watching", "dir", w.dir)
		return nil
	}

	if err := w.addTree(w.dir); err != nil {
		return err
	}

	w.running = true
	go w.watch(ctx)

	w.logger.Info("watching substitution directory", "dir", w.dir)
	return nil
}

// Stop stops watching and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.stoppedCh
	}
	return w.fsw.Close()
}

// addTree registers root and every directory below it; fsnotify is not recursive.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	pending := make(map[string]fsnotify.Op)
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Error("watch new directory", "err", err)
					}
					continue
				}
			}
			pending[event.Name] |= event.Op

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			for name, op := range pending {
				w.report(name, op)
			}
			clear(pending)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("substitution watcher error", "err", err)
		}
	}
}

// report classifies the coalesced ops by the file's current state.
func (w *Watcher) report(name string, op fsnotify.Op) {
	rel, err := filepath.Rel(w.dir, name)
	if err != nil {
		return
	}

	c := Change{URLPath: "/" + filepath.ToSlash(rel)}
	_, statErr := os.Stat(name)
	switch {
	case statErr != nil:
		c.Op = "removed"
	case op.Has(fsnotify.Create):
		c.Op = "added"
	default:
		c.Op = "modified"
	}

	w.logger.Info("override "+c.Op, "path", c.URLPath)
	if w.onChange != nil {
		w.onChange(c)
	}
}
