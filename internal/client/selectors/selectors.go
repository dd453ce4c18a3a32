// Package selectors derives display-ordered lists from issue stores. Every
// selector is memoized: while its inputs are unchanged it returns the same
// slice, so callers can compare by identity.
package selectors

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/HerbCaudill/beads-ui-sub002/internal/client/issuestore"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// Mode selects a board column.
type Mode string

const (
	ModeReady      Mode = "ready"
	ModeBlocked    Mode = "blocked"
	ModeInProgress Mode = "in_progress"
	ModeClosed     Mode = "closed"
)

// IsValid reports whether m is a known column.
func (m Mode) IsValid() bool {
	switch m {
	case ModeReady, ModeBlocked, ModeInProgress, ModeClosed:
		return true
	}
	return false
}

// input identifies one store state.
type input struct {
	store   *issuestore.Store
	version uint64
}

type memo struct {
	inputs []input
	out    []types.Issue
}

func (m *memo) matches(inputs []input) bool {
	if m == nil || len(m.inputs) != len(inputs) {
		return false
	}
	for i := range inputs {
		if m.inputs[i] != inputs[i] {
			return false
		}
	}
	return true
}

type columnKey struct {
	id   string
	mode Mode
}

// Selectors reads from one issuestore.Registry.
type Selectors struct {
	stores *issuestore.Registry

	mu      sync.Mutex
	issues  map[string]*memo
	columns map[columnKey]*memo
	epics   map[string]*memo
}

// New returns selectors over stores.
func New(stores *issuestore.Registry) *Selectors {
	return &Selectors{
		stores:  stores,
		issues:  make(map[string]*memo),
		columns: make(map[columnKey]*memo),
		epics:   make(map[string]*memo),
	}
}

// IssuesFor returns the members of subscription id by priority, then age.
func (s *Selectors) IssuesFor(id string) []types.Issue {
	return memoize(s, s.issues, id, id, func(issues []types.Issue) []types.Issue {
		out := append([]types.Issue(nil), issues...)
		sortDefault(out)
		return out
	})
}

// BoardColumn returns subscription id filtered and ordered for a board
// column. Closed is newest-closed first; the rest sort like IssuesFor.
func (s *Selectors) BoardColumn(id string, mode Mode) ([]types.Issue, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("unknown board column %q", mode)
	}
	return memoize(s, s.columns, columnKey{id, mode}, id, func(issues []types.Issue) []types.Issue {
		out := make([]types.Issue, 0, len(issues))
		for _, issue := range issues {
			if inColumn(issue, mode) {
				out = append(out, issue)
			}
		}
		if mode == ModeClosed {
			sortClosed(out)
		} else {
			sortDefault(out)
		}
		return out
	}), nil
}

// EpicChildren collects the issues under epicID across every registered
// store. An issue seen in several stores counts once, using its most
// recently updated copy.
func (s *Selectors) EpicChildren(epicID string) []types.Issue {
	ids := s.stores.IDs()
	inputs := make([]input, 0, len(ids))
	stores := make([]*issuestore.Store, 0, len(ids))
	for _, id := range ids {
		if store := s.stores.Get(id); store != nil {
			stores = append(stores, store)
			inputs = append(inputs, input{store, store.Version()})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.epics[epicID]; m.matches(inputs) {
		return m.out
	}

	byID := make(map[string]types.Issue)
	for _, store := range stores {
		for _, issue := range store.Snapshot() {
			if issue.EpicID == nil || *issue.EpicID != epicID {
				continue
			}
			if prev, ok := byID[issue.ID]; ok && prev.UpdatedAt >= issue.UpdatedAt {
				continue
			}
			byID[issue.ID] = issue
		}
	}
	out := make([]types.Issue, 0, len(byID))
	for _, issue := range byID {
		out = append(out, issue)
	}
	sortDefault(out)
	s.epics[epicID] = &memo{inputs: inputs, out: out}
	return out
}

// memoize runs fn over the snapshot of store id unless the store is
// unchanged since the cached result for key. A missing store yields an
// empty list.
func memoize[K comparable](s *Selectors, cache map[K]*memo, key K, id string, fn func([]types.Issue) []types.Issue) []types.Issue {
	store := s.stores.Get(id)
	if store == nil {
		return []types.Issue{}
	}
	inputs := []input{{store, store.Version()}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m := cache[key]; m.matches(inputs) {
		return m.out
	}
	out := fn(store.Snapshot())
	cache[key] = &memo{inputs: inputs, out: out}
	return out
}

// inColumn keeps the rows of a subscription that belong on the board
// column. Blocked rows come from the blocked-issues list, where an open issue
// with open blockers counts as blocked.
func inColumn(issue types.Issue, mode Mode) bool {
	switch mode {
	case ModeReady:
		return issue.Status == types.StatusOpen && len(issue.BlockedBy) == 0
	case ModeBlocked:
		return issue.Status == types.StatusBlocked ||
			(issue.Status != types.StatusClosed && len(issue.BlockedBy) > 0)
	case ModeInProgress:
		return issue.Status == types.StatusInProgress
	case ModeClosed:
		return issue.Status == types.StatusClosed
	}
	return false
}

// sortDefault orders by priority, then created_at, then id.
func sortDefault(issues []types.Issue) {
	slices.SortFunc(issues, func(a, b types.Issue) int {
		return cmp.Or(
			cmp.Compare(a.Priority, b.Priority),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

// sortClosed orders by closed_at, newest first. Rows without closed_at go
// last.
func sortClosed(issues []types.Issue) {
	slices.SortFunc(issues, func(a, b types.Issue) int {
		switch {
		case a.ClosedAt == nil && b.ClosedAt != nil:
			return 1
		case a.ClosedAt != nil && b.ClosedAt == nil:
			return -1
		case a.ClosedAt != nil && *a.ClosedAt != *b.ClosedAt:
			return cmp.Compare(*b.ClosedAt, *a.ClosedAt)
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
