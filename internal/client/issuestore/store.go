// Package issuestore holds the client-side mirror of one subscription's
// issues and applies the server's revisioned deltas to it.
package issuestore

import (
	"sync"

	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// Kind is the delta type, named as on the wire.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindUpsert   Kind = "upsert"
	KindDelete   Kind = "delete"
)

// State is the store lifecycle.
type State string

const (
	Uninitialized State = "uninitialized"
	Populated     State = "populated"
)

// Delta is one server push for a subscription.
type Delta struct {
	Kind     Kind
	Revision int64
	Issues   []types.Issue
	IssueIDs []string
}

type listener struct {
	fn func()
}

// Store is safe for concurrent use. Listeners run synchronously on the
// goroutine that applied the delta, after the store lock is released.
type Store struct {
	mu        sync.Mutex
	state     State
	revision  int64
	version   uint64
	order     []string
	items     map[string]types.Issue
	cached    []types.Issue
	listeners []*listener
}

// New returns an uninitialized store.
func New() *Store {
	return &Store{state: Uninitialized, items: make(map[string]types.Issue)}
}

// Apply applies d and reports whether it changed the store. A snapshot
// always replaces the contents. Upserts and deletes need a prior snapshot
// and a revision above the current one; anything else is stale and dropped
// without notifying listeners.
func (s *Store) Apply(d Delta) bool {
	s.mu.Lock()
	switch d.Kind {
	case KindSnapshot:
		s.order = s.order[:0]
		s.items = make(map[string]types.Issue, len(d.Issues))
		for _, issue := range d.Issues {
			s.put(issue)
		}
		s.state = Populated
	case KindUpsert, KindDelete:
		if s.state != Populated || d.Revision <= s.revision {
			s.mu.Unlock()
			return false
		}
		if d.Kind == KindUpsert {
			for _, issue := range d.Issues {
				s.put(issue)
			}
		} else {
			for _, id := range d.IssueIDs {
				s.remove(id)
			}
		}
	default:
		s.mu.Unlock()
		return false
	}
	s.revision = d.Revision
	s.version++
	s.cached = nil
	list := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range list {
		l.fn()
	}
	return true
}

// put inserts or replaces an issue. A replaced issue moves to the end.
func (s *Store) put(issue types.Issue) {
	if _, ok := s.items[issue.ID]; ok {
		s.dropFromOrder(issue.ID)
	}
	s.items[issue.ID] = issue
	s.order = append(s.order, issue.ID)
}

func (s *Store) remove(id string) {
	if _, ok := s.items[id]; !ok {
		return
	}
	delete(s.items, id)
	s.dropFromOrder(id)
}

func (s *Store) dropFromOrder(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Snapshot returns the members in insertion and update order. The slice is
// shared until the next applied delta; callers must not modify it.
func (s *Store) Snapshot() []types.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		s.cached = make([]types.Issue, 0, len(s.order))
		for _, id := range s.order {
			s.cached = append(s.cached, s.items[id])
		}
	}
	return s.cached
}

// Revision returns the revision of the last applied delta.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Version counts applied deltas. Unlike Revision it changes on every
// applied snapshot, even one that reuses or lowers the revision.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// State returns the lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe calls fn after every applied delta. The returned func removes
// the registration.
func (s *Store) Subscribe(fn func()) func() {
	l := &listener{fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, existing := range s.listeners {
			if existing == l {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}
