// Package watch notices writes to a workspace's .beads directory, including
// those made by other bd processes, and reports them after a quiet period.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/HerbCaudill/beads-ui-sub002/internal/clock"
	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
	"github.com/HerbCaudill/beads-ui-sub002/internal/metrics"
)

// DefaultDebounce is how long the directory must stay quiet before
// onChange runs.
const DefaultDebounce = 75 * time.Millisecond

// Watcher watches one .beads directory at a time.
type Watcher struct {
	fs  *fsnotify.Watcher
	deb *debouncer
	log zerolog.Logger

	mu  sync.Mutex
	dir string
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.deb.delay = d
		}
	}
}

// WithClock replaces the clock driving the debounce timer.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.deb.clock = c }
}

// New watches dir and calls onChange once per burst of relevant writes.
// Call Run to start delivering events.
func New(dir string, onChange func(), opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		fs:  fsw,
		log: logging.WithComponent("watch"),
		deb: &debouncer{
			clock: clock.Real(),
			delay: DefaultDebounce,
			fn: func() {
				metrics.WatchTriggers.Inc()
				onChange()
			},
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.fs.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.dir = dir
	return w, nil
}

// Dir returns the directory being watched.
func (w *Watcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Rewatch moves the watch to dir.
func (w *Watcher) Rewatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if dir == w.dir {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if w.dir != "" {
		if err := w.fs.Remove(w.dir); err != nil {
			w.log.Debug().Err(err).Str("dir", w.dir).Msg("removing old watch")
		}
	}
	w.log.Info().Str("dir", dir).Msg("watching")
	w.dir = dir
	return nil
}

// Run delivers events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.deb.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("change")
			w.deb.trigger()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.deb.stop()
	return w.fs.Close()
}

// relevant reports whether ev touches tracker data: the database, its WAL,
// or the JSONL export. Permission-only changes are ignored.
func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(ev.Name)
	switch {
	case strings.HasSuffix(base, ".db"),
		strings.HasSuffix(base, ".db-wal"),
		strings.HasSuffix(base, ".jsonl"):
		return true
	}
	return false
}

// debouncer runs fn once the triggers stop for delay. A generation counter
// discards timers that fire after being superseded.
type debouncer struct {
	clock clock.Clock
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	current := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		stale := current != d.gen
		d.mu.Unlock()
		if !stale {
			d.fn()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
