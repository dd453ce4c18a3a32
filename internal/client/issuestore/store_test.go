package issuestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

func issue(id string, priority int) types.Issue {
	return types.Issue{ID: id, Title: id, Status: types.StatusOpen, Priority: priority}
}

func ids(issues []types.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.ID)
	}
	return out
}

func TestUninitializedIgnoresDeltas(t *testing.T) {
	s := New()
	require.Equal(t, Uninitialized, s.State())
	require.Empty(t, s.Snapshot())

	require.False(t, s.Apply(Delta{Kind: KindUpsert, Revision: 5, Issues: []types.Issue{issue("UI-1", 1)}}))
	require.False(t, s.Apply(Delta{Kind: KindDelete, Revision: 6, IssueIDs: []string{"UI-1"}}))
	require.Equal(t, Uninitialized, s.State())
	require.Zero(t, s.Revision())
}

func TestApplyDeltas(t *testing.T) {
	s := New()
	notified := 0
	s.Subscribe(func() { notified++ })

	require.True(t, s.Apply(Delta{Kind: KindSnapshot, Revision: 3, Issues: []types.Issue{issue("UI-1", 1), issue("UI-2", 2)}}))
	require.Equal(t, Populated, s.State())
	require.Equal(t, []string{"UI-1", "UI-2"}, ids(s.Snapshot()))

	// Replacing moves the issue to the end; inserting appends.
	require.True(t, s.Apply(Delta{Kind: KindUpsert, Revision: 4, Issues: []types.Issue{issue("UI-1", 4), issue("UI-3", 0)}}))
	require.Equal(t, []string{"UI-2", "UI-1", "UI-3"}, ids(s.Snapshot()))
	require.Equal(t, 4, s.Snapshot()[1].Priority)

	require.True(t, s.Apply(Delta{Kind: KindDelete, Revision: 5, IssueIDs: []string{"UI-2"}}))
	require.Equal(t, []string{"UI-1", "UI-3"}, ids(s.Snapshot()))

	// Absent ids are a no-op that still advances the revision.
	require.True(t, s.Apply(Delta{Kind: KindDelete, Revision: 6, IssueIDs: []string{"UI-99"}}))
	require.EqualValues(t, 6, s.Revision())
	require.Equal(t, 4, notified)
}

func TestStaleDeltasAreIgnored(t *testing.T) {
	s := New()
	notified := 0
	s.Subscribe(func() { notified++ })
	s.Apply(Delta{Kind: KindSnapshot, Revision: 10, Issues: []types.Issue{issue("UI-1", 1)}})
	before := s.Snapshot()

	for _, d := range []Delta{
		{Kind: KindUpsert, Revision: 10, Issues: []types.Issue{issue("UI-1", 3)}},
		{Kind: KindUpsert, Revision: 9, Issues: []types.Issue{issue("UI-2", 3)}},
		{Kind: KindDelete, Revision: 2, IssueIDs: []string{"UI-1"}},
		{Kind: "bogus", Revision: 11},
	} {
		require.False(t, s.Apply(d), "delta %+v", d)
	}
	require.EqualValues(t, 10, s.Revision())
	require.Equal(t, 1, notified)
	require.Same(t, &before[0], &s.Snapshot()[0], "stale deltas must not invalidate the snapshot")
}

func TestSnapshotSupersedes(t *testing.T) {
	s := New()
	s.Apply(Delta{Kind: KindSnapshot, Revision: 50, Issues: []types.Issue{issue("UI-1", 1), issue("UI-2", 1)}})

	// Even an older revision replaces everything, e.g. after a server restart.
	require.True(t, s.Apply(Delta{Kind: KindSnapshot, Revision: 2, Issues: []types.Issue{issue("UI-7", 1)}}))
	require.Equal(t, []string{"UI-7"}, ids(s.Snapshot()))
	require.EqualValues(t, 2, s.Revision())

	require.True(t, s.Apply(Delta{Kind: KindUpsert, Revision: 3, Issues: []types.Issue{issue("UI-8", 1)}}))
	require.Equal(t, []string{"UI-7", "UI-8"}, ids(s.Snapshot()))
}

func TestSnapshotIsCachedUntilChange(t *testing.T) {
	s := New()
	s.Apply(Delta{Kind: KindSnapshot, Revision: 1, Issues: []types.Issue{issue("UI-1", 1)}})

	a, b := s.Snapshot(), s.Snapshot()
	require.Same(t, &a[0], &b[0])

	s.Apply(Delta{Kind: KindUpsert, Revision: 2, Issues: []types.Issue{issue("UI-1", 2)}})
	c := s.Snapshot()
	require.NotSame(t, &a[0], &c[0])
	require.Equal(t, 1, a[0].Priority, "earlier snapshots are not mutated")
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	s := New()
	calls := 0
	off := s.Subscribe(func() { calls++ })
	s.Apply(Delta{Kind: KindSnapshot, Revision: 1})
	off()
	s.Apply(Delta{Kind: KindSnapshot, Revision: 2})
	require.Equal(t, 1, calls)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var changed []string
	r.Subscribe(func(id string) { changed = append(changed, id) })

	a := r.Register("tab:a")
	require.Same(t, a, r.Register("tab:a"))
	r.Register("tab:b")
	require.Equal(t, []string{"tab:a", "tab:b"}, r.IDs())
	require.Nil(t, r.Get("tab:c"))

	a.Apply(Delta{Kind: KindSnapshot, Revision: 1})
	r.Unregister("tab:a")
	r.Unregister("tab:a")
	require.Nil(t, r.Get("tab:a"))

	// The detached store no longer reports through the registry.
	a.Apply(Delta{Kind: KindSnapshot, Revision: 2})
	require.Equal(t, []string{"tab:a", "tab:a"}, changed)
}
