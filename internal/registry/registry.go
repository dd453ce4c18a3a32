// Package registry keeps one live result set per distinct subscription and
// fans recompute diffs out to the subscribers attached to it.
//
// Locking: each entry has a run lock that serializes backend query and
// commit for its key. The registry lock guards the entry map and every
// entry's subscriber sets, and is only ever taken inside a run lock, never
// the other way round. Pushes are delivered while both are held, so a
// subscriber sees the pushes for a key in revision order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
	"github.com/HerbCaudill/beads-ui-sub002/internal/metrics"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// DefaultConcurrency bounds parallel backend queries during fan-out.
const DefaultConcurrency = 4

// ErrUnknownSubscriber is returned by Detach when the subscriber is not
// attached to the key.
var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Querier computes the current membership of a subscription.
type Querier interface {
	Query(ctx context.Context, spec types.ListSpec) ([]types.Issue, error)
}

// Subscriber receives pushes for the keys it is attached to. Deliver runs
// with registry locks held and must not block.
type Subscriber interface {
	Deliver(p Push)
}

// Snapshot is the state handed to a newly attached subscriber.
type Snapshot struct {
	Key      string
	Spec     types.ListSpec
	Revision int64
	Issues   []types.Issue
}

type entry struct {
	key  string
	spec types.ListSpec

	run sync.Mutex // serializes query+commit

	// guarded by run, read under Registry.mu during delivery
	items    membership
	revision int64

	// guarded by Registry.mu
	subs    map[string]Subscriber
	pending map[string]Subscriber // attaching, snapshot not yet delivered
	removed bool
}

func (e *entry) attached() int {
	return len(e.subs) + len(e.pending)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	querier   Querier
	highWater int64 // largest revision ever assigned

	seed  func() int64
	limit int
	log   zerolog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithConcurrency bounds parallel recomputes in RecomputeAll/RecomputeAffected.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithRevisionSeed sets the floor for revisions of newly created entries.
// The default is the wall clock in microseconds, which keeps revisions
// increasing across server restarts.
func WithRevisionSeed(seed func() int64) Option {
	return func(r *Registry) { r.seed = seed }
}

// WithLogger replaces the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New creates a registry that queries q.
func New(q Querier, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		querier: q,
		seed:    func() int64 { return time.Now().UnixMicro() },
		limit:   DefaultConcurrency,
		log:     logging.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetQuerier swaps the backend, e.g. after a workspace switch. Passes
// already running finish against the old backend.
func (r *Registry) SetQuerier(q Querier) {
	r.mu.Lock()
	r.querier = q
	r.mu.Unlock()
}

func (r *Registry) currentQuerier() Querier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.querier
}

// Attach subscribes sub under subscriberID to spec. It always re-queries the
// backend: the result becomes the key's new baseline, existing subscribers
// receive the diff, and sub receives a snapshot push before Attach returns
// the same snapshot. Attaching an id already attached to the key replaces
// its subscriber.
func (r *Registry) Attach(ctx context.Context, subscriberID string, sub Subscriber, spec types.ListSpec) (Snapshot, error) {
	key, err := Key(spec)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{
			key:     key,
			spec:    spec,
			subs:    make(map[string]Subscriber),
			pending: make(map[string]Subscriber),
		}
		r.entries[key] = e
		metrics.RegistryEntries.Inc()
	}
	if _, replaced := e.subs[subscriberID]; replaced {
		delete(e.subs, subscriberID)
		metrics.RegistrySubscribers.Dec()
	}
	e.pending[subscriberID] = sub
	r.mu.Unlock()

	e.run.Lock()
	defer e.run.Unlock()

	issues, qerr := r.query(ctx, e)

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := e.pending[subscriberID]; !ok || cur != sub {
		// Detached while the query ran.
		r.dropIfIdleLocked(e)
		if qerr != nil {
			return Snapshot{}, qerr
		}
		return Snapshot{}, fmt.Errorf("subscriber %s detached during attach: %w", subscriberID, ErrUnknownSubscriber)
	}
	if qerr != nil {
		delete(e.pending, subscriberID)
		r.dropIfIdleLocked(e)
		return Snapshot{}, qerr
	}

	next := newMembership(issues)
	diff := diffMembership(key, e.items, next)
	rev := r.nextRevisionLocked(e)
	e.items = next
	e.revision = rev

	if !diff.Empty() {
		diff.Revision = rev
		r.deliverLocked(e, pushFor(diff, next))
	}

	snap := Snapshot{Key: key, Spec: spec, Revision: rev, Issues: next.issues()}
	delete(e.pending, subscriberID)
	e.subs[subscriberID] = sub
	metrics.RegistrySubscribers.Inc()
	sub.Deliver(Push{Kind: EventSnapshot, Key: key, Revision: rev, Issues: snap.Issues})
	metrics.EventsEmitted.WithLabelValues(string(EventSnapshot)).Inc()

	r.log.Debug().Str("key", spec.String()).Str("subscriber", subscriberID).
		Int64("revision", rev).Int("issues", len(snap.Issues)).Msg("attached")
	return snap, nil
}

// Detach removes subscriberID from key. The entry is dropped when nothing
// remains attached.
func (r *Registry) Detach(subscriberID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("subscriber %s on %s: %w", subscriberID, key, ErrUnknownSubscriber)
	}
	switch {
	case e.subs[subscriberID] != nil:
		delete(e.subs, subscriberID)
		metrics.RegistrySubscribers.Dec()
	case e.pending[subscriberID] != nil:
		delete(e.pending, subscriberID)
	default:
		return fmt.Errorf("subscriber %s on %s: %w", subscriberID, key, ErrUnknownSubscriber)
	}
	r.dropIfIdleLocked(e)
	return nil
}

// Recompute re-queries key and delivers the diff against the baseline. A
// backend failure leaves the baseline untouched. If nothing is attached by
// the time the result is ready, the result is discarded and the entry
// removed. Unknown keys yield an empty diff.
func (r *Registry) Recompute(ctx context.Context, key string) (Diff, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return Diff{Key: key}, nil
	}

	e.run.Lock()
	defer e.run.Unlock()

	r.mu.Lock()
	gone := e.removed
	r.mu.Unlock()
	if gone {
		return Diff{Key: key}, nil
	}

	issues, err := r.query(ctx, e)
	if err != nil {
		return Diff{Key: key}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e.removed || e.attached() == 0 {
		r.dropIfIdleLocked(e)
		return Diff{Key: key}, nil
	}

	next := newMembership(issues)
	diff := diffMembership(key, e.items, next)
	if diff.Empty() {
		return diff, nil
	}
	diff.Revision = r.nextRevisionLocked(e)
	e.items = next
	e.revision = diff.Revision

	r.deliverLocked(e, pushFor(diff, next))
	r.log.Debug().Str("key", e.spec.String()).Int64("revision", diff.Revision).
		Int("upserts", len(diff.Upserts)).Int("deletes", len(diff.Deletes)).Msg("recomputed")
	return diff, nil
}

// RecomputeAll recomputes every live key. Failures on one key do not stop
// the others; the first error is returned.
func (r *Registry) RecomputeAll(ctx context.Context) error {
	return r.recomputeWhere(ctx, func(types.ListSpec) bool { return true })
}

// RecomputeAffected recomputes every list key plus the issue-detail keys
// for ids.
func (r *Registry) RecomputeAffected(ctx context.Context, ids []string) error {
	affected := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			affected[id] = true
		}
	}
	return r.recomputeWhere(ctx, func(spec types.ListSpec) bool {
		return !spec.Type.IsDetail() || affected[spec.Params.ID]
	})
}

func (r *Registry) recomputeWhere(ctx context.Context, match func(types.ListSpec) bool) error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key, e := range r.entries {
		if match(e.spec) {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(r.limit)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			_, err := r.Recompute(ctx, key)
			return err
		})
	}
	return g.Wait()
}

// Stats reports live keys and attached subscribers.
func (r *Registry) Stats() (keys, subscribers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		subscribers += len(e.subs)
	}
	return len(r.entries), subscribers
}

func (r *Registry) query(ctx context.Context, e *entry) ([]types.Issue, error) {
	q := r.currentQuerier()
	timer := metrics.NewTimer()
	issues, err := q.Query(ctx, e.spec)
	timer.ObserveDurationVec(metrics.RecomputeDuration, string(e.spec.Type))
	if err != nil {
		metrics.RecomputeFailures.WithLabelValues(string(e.spec.Type)).Inc()
		r.log.Warn().Err(err).Str("key", e.spec.String()).Msg("backend query failed")
		return nil, fmt.Errorf("querying %s: %w", e.spec, err)
	}
	return issues, nil
}

// nextRevisionLocked returns the next revision for e. New entries start
// above every revision issued so far and above the seed.
func (r *Registry) nextRevisionLocked(e *entry) int64 {
	base := e.revision
	if base == 0 {
		base = r.highWater
		if s := r.seed(); s > base {
			base = s
		}
	}
	rev := base + 1
	if rev > r.highWater {
		r.highWater = rev
	}
	return rev
}

func (r *Registry) deliverLocked(e *entry, p Push) {
	for _, sub := range e.subs {
		sub.Deliver(p)
		metrics.EventsEmitted.WithLabelValues(string(p.Kind)).Inc()
	}
}

func (r *Registry) dropIfIdleLocked(e *entry) {
	if e.removed || e.attached() > 0 {
		return
	}
	e.removed = true
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
		metrics.RegistryEntries.Dec()
	}
}
