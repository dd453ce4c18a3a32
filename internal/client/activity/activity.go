// Package activity counts in-flight client requests for a busy indicator.
// A safety timeout ends the bookkeeping for requests that never settle; the
// request itself keeps running and still reports its real result.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HerbCaudill/beads-ui-sub002/internal/clock"
	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
)

// DefaultTimeout bounds how long one request counts as active.
const DefaultTimeout = 30 * time.Second

// Tracker is safe for concurrent use.
type Tracker struct {
	clock   clock.Clock
	timeout time.Duration
	log     zerolog.Logger

	mu        sync.Mutex
	active    int
	listeners map[int]func(active int)
	nextID    int
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock sets the clock driving the safety timeout.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) { t.clock = clk }
}

// WithTimeout replaces DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// WithLogger sets the tracker logger.
func WithLogger(log zerolog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// New returns an idle tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		clock:     clock.Real(),
		timeout:   DefaultTimeout,
		log:       logging.WithComponent("activity"),
		listeners: make(map[int]func(int)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin marks one operation active. The returned done is idempotent and
// does nothing once the safety timeout has ended the operation.
func (t *Tracker) Begin() (done func()) {
	var (
		mu       sync.Mutex
		timer    clock.Timer
		finished bool
	)
	finish := func(timedOut bool) bool {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return false
		}
		finished = true
		if !timedOut && timer != nil {
			timer.Stop()
		}
		return true
	}

	t.add(1)
	tm := t.clock.AfterFunc(t.timeout, func() {
		if finish(true) {
			t.log.Warn().Dur("timeout", t.timeout).Msg("activity still pending, clearing indicator")
			t.add(-1)
		}
	})
	mu.Lock()
	timer = tm
	mu.Unlock()

	return func() {
		if finish(false) {
			t.add(-1)
		}
	}
}

// Track runs fn as one active operation and returns its result.
func (t *Tracker) Track(ctx context.Context, fn func(ctx context.Context) error) error {
	done := t.Begin()
	defer done()
	return fn(ctx)
}

// Active returns the number of operations currently counted.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Subscribe calls fn with the new count after every change.
func (t *Tracker) Subscribe(fn func(active int)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) add(delta int) {
	t.mu.Lock()
	t.active += delta
	active := t.active
	list := make([]func(int), 0, len(t.listeners))
	for _, fn := range t.listeners {
		list = append(list, fn)
	}
	t.mu.Unlock()
	for _, fn := range list {
		fn(active)
	}
}
