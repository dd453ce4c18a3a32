package registry

import (
	"github.com/google/go-cmp/cmp"

	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// EventKind is the push type a subscriber receives.
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventUpsert   EventKind = "upsert"
	EventDelete   EventKind = "delete"
)

// Diff is the outcome of one recompute pass. All changes share Revision,
// which is zero when the pass found nothing to report.
type Diff struct {
	Key      string
	Revision int64
	Upserts  []types.Issue
	Deletes  []string
}

// Empty reports whether the pass changed nothing.
func (d Diff) Empty() bool {
	return len(d.Upserts) == 0 && len(d.Deletes) == 0
}

// Push is one message for one subscriber. Snapshot pushes carry the full
// membership in Issues; upsert pushes carry the changed issues; delete
// pushes carry the removed ids.
type Push struct {
	Kind     EventKind
	Key      string
	Revision int64
	Issues   []types.Issue
	IssueIDs []string
}

// membership is a backend result indexed by id, in backend order.
type membership struct {
	order []string
	byID  map[string]types.Issue
}

func newMembership(issues []types.Issue) membership {
	m := membership{
		order: make([]string, 0, len(issues)),
		byID:  make(map[string]types.Issue, len(issues)),
	}
	for _, issue := range issues {
		if _, dup := m.byID[issue.ID]; !dup {
			m.order = append(m.order, issue.ID)
		}
		m.byID[issue.ID] = issue
	}
	return m
}

func (m membership) issues() []types.Issue {
	out := make([]types.Issue, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	return out
}

// diffMembership compares next against prev id by id. New or changed ids
// become upserts in next's order; vanished ids become deletes in prev's
// order.
func diffMembership(key string, prev, next membership) Diff {
	d := Diff{Key: key}
	for _, id := range next.order {
		issue := next.byID[id]
		old, ok := prev.byID[id]
		if !ok || !cmp.Equal(old, issue) {
			d.Upserts = append(d.Upserts, issue)
		}
	}
	for _, id := range prev.order {
		if _, ok := next.byID[id]; !ok {
			d.Deletes = append(d.Deletes, id)
		}
	}
	return d
}

// pushFor turns a non-empty diff into the single push subscribers receive
// for the pass. Passes that both add and remove ids are sent as a snapshot
// of the committed membership so one revision never spans two messages.
func pushFor(d Diff, committed membership) Push {
	switch {
	case len(d.Deletes) == 0:
		return Push{Kind: EventUpsert, Key: d.Key, Revision: d.Revision, Issues: d.Upserts}
	case len(d.Upserts) == 0:
		return Push{Kind: EventDelete, Key: d.Key, Revision: d.Revision, IssueIDs: d.Deletes}
	}
	return Push{Kind: EventSnapshot, Key: d.Key, Revision: d.Revision, Issues: committed.issues()}
}
