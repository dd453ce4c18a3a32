package selectors

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HerbCaudill/beads-ui-sub002/internal/client/issuestore"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

func ids(issues []types.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.ID)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func seed(t *testing.T, reg *issuestore.Registry, id string, rev int64, issues ...types.Issue) *issuestore.Store {
	t.Helper()
	store := reg.Register(id)
	require.True(t, store.Apply(issuestore.Delta{Kind: issuestore.KindSnapshot, Revision: rev, Issues: issues}))
	return store
}

func TestIssuesForSortsByPriorityThenAge(t *testing.T) {
	reg := issuestore.NewRegistry()
	sel := New(reg)
	seed(t, reg, "tab", 1,
		types.Issue{ID: "B", Priority: 2, CreatedAt: 100},
		types.Issue{ID: "A", Priority: 1, CreatedAt: 200},
		types.Issue{ID: "D", Priority: 2, CreatedAt: 50},
		types.Issue{ID: "C", Priority: 2, CreatedAt: 50},
	)
	require.Equal(t, []string{"A", "C", "D", "B"}, ids(sel.IssuesFor("tab")))
	require.Empty(t, sel.IssuesFor("missing"))
}

func TestBoardColumns(t *testing.T) {
	reg := issuestore.NewRegistry()
	sel := New(reg)
	seed(t, reg, "closed", 1,
		types.Issue{ID: "X", Status: types.StatusClosed, ClosedAt: ptr(int64(50))},
		types.Issue{ID: "Y", Status: types.StatusClosed, ClosedAt: ptr(int64(150))},
		types.Issue{ID: "Z", Status: types.StatusClosed},
		types.Issue{ID: "R", Status: types.StatusOpen},
	)
	seed(t, reg, "ready", 1,
		types.Issue{ID: "R1", Status: types.StatusOpen, Priority: 3},
		types.Issue{ID: "R2", Status: types.StatusInProgress, Priority: 0},
		types.Issue{ID: "R3", Status: types.StatusOpen, Priority: 1},
		types.Issue{ID: "R4", Status: types.StatusOpen, Priority: 0, BlockedBy: []string{"R2"}},
	)
	seed(t, reg, "blocked", 1,
		types.Issue{ID: "K1", Status: types.StatusBlocked, Priority: 2},
		types.Issue{ID: "K2", Status: types.StatusOpen, Priority: 1, BlockedBy: []string{"K1"}},
		types.Issue{ID: "K3", Status: types.StatusOpen, Priority: 0},
		types.Issue{ID: "K4", Status: types.StatusClosed, Priority: 0, BlockedBy: []string{"K1"}},
	)

	closed, err := sel.BoardColumn("closed", ModeClosed)
	require.NoError(t, err)
	require.Equal(t, []string{"Y", "X", "Z"}, ids(closed))

	ready, err := sel.BoardColumn("ready", ModeReady)
	require.NoError(t, err)
	require.Equal(t, []string{"R3", "R1"}, ids(ready))

	inProgress, err := sel.BoardColumn("ready", ModeInProgress)
	require.NoError(t, err)
	require.Equal(t, []string{"R2"}, ids(inProgress))

	blocked, err := sel.BoardColumn("blocked", ModeBlocked)
	require.NoError(t, err)
	require.Equal(t, []string{"K2", "K1"}, ids(blocked))

	_, err = sel.BoardColumn("ready", "done")
	require.Error(t, err)
}

func TestMemoizedUntilStoreChanges(t *testing.T) {
	reg := issuestore.NewRegistry()
	sel := New(reg)
	store := seed(t, reg, "tab", 1,
		types.Issue{ID: "A", Status: types.StatusOpen, Priority: 1},
		types.Issue{ID: "B", Status: types.StatusOpen, Priority: 2},
	)

	first := sel.IssuesFor("tab")
	require.Same(t, &first[0], &sel.IssuesFor("tab")[0])

	// Stale deltas leave the memo in place.
	store.Apply(issuestore.Delta{Kind: issuestore.KindUpsert, Revision: 1, Issues: []types.Issue{{ID: "A", Status: types.StatusOpen, Priority: 4}}})
	require.Same(t, &first[0], &sel.IssuesFor("tab")[0])

	store.Apply(issuestore.Delta{Kind: issuestore.KindUpsert, Revision: 2, Issues: []types.Issue{{ID: "A", Status: types.StatusOpen, Priority: 4}}})
	second := sel.IssuesFor("tab")
	require.Equal(t, []string{"B", "A"}, ids(second))
	require.Equal(t, []string{"A", "B"}, ids(first), "earlier results are not mutated")

	col, err := sel.BoardColumn("tab", ModeReady)
	require.NoError(t, err)
	require.Equal(t, []string{"B", "A"}, ids(col))
	again, err := sel.BoardColumn("tab", ModeReady)
	require.NoError(t, err)
	require.Same(t, &col[0], &again[0])
}

func TestEpicChildren(t *testing.T) {
	reg := issuestore.NewRegistry()
	sel := New(reg)
	seed(t, reg, "all", 1,
		types.Issue{ID: "UI-2", EpicID: ptr("UI-1"), Priority: 2, UpdatedAt: 10},
		types.Issue{ID: "UI-3", EpicID: ptr("UI-1"), Priority: 1, UpdatedAt: 10},
		types.Issue{ID: "UI-4", EpicID: ptr("UI-9"), Priority: 0},
		types.Issue{ID: "UI-5", Priority: 0},
	)
	detail := seed(t, reg, "detail", 1,
		types.Issue{ID: "UI-2", EpicID: ptr("UI-1"), Priority: 0, UpdatedAt: 20},
	)

	children := sel.EpicChildren("UI-1")
	require.Equal(t, []string{"UI-2", "UI-3"}, ids(children))
	require.Equal(t, 0, children[0].Priority, "newest copy wins")
	require.Same(t, &children[0], &sel.EpicChildren("UI-1")[0])

	detail.Apply(issuestore.Delta{Kind: issuestore.KindDelete, Revision: 2, IssueIDs: []string{"UI-2"}})
	children = sel.EpicChildren("UI-1")
	require.Equal(t, []string{"UI-3", "UI-2"}, ids(children))

	reg.Unregister("all")
	require.Empty(t, sel.EpicChildren("UI-1"))
}
