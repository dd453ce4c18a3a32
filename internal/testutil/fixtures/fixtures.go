// Package fixtures seeds issue stores with realistic data for tests and demos.
package fixtures

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// labels used across all fixtures
var commonLabels = []string{
	"backend",
	"frontend",
	"urgent",
	"tech-debt",
	"documentation",
	"performance",
	"ux",
	"api",
}

// assignees used across all fixtures
var commonAssignees = []string{
	"alice",
	"bob",
	"charlie",
	"diana",
}

var epicTitles = []string{
	"Live Board Views",
	"Workspace Switching",
	"Issue Detail Editing",
	"Keyboard Navigation",
	"Reconnect Handling",
}

var taskTitles = []string{
	"Render column headers",
	"Add validation logic",
	"Write unit tests",
	"Update documentation",
	"Fix flicker on reconnect",
	"Debounce watcher events",
	"Add error toast",
	"Refactor list selectors",
}

// DataConfig controls the shape of generated data.
type DataConfig struct {
	Epics          int     // number of epics
	TasksPerEpic   int     // children created under each epic
	ClosedRatio    float64 // fraction of tasks closed after creation
	InProgressRate float64 // fraction of remaining tasks moved to in_progress
	CrossLinkRatio float64 // fraction of tasks given a blocks edge to another task
	RandSeed       int64   // random seed for reproducibility
}

// DefaultConfig returns a board-sized dataset (a few hundred issues).
func DefaultConfig() DataConfig {
	return DataConfig{
		Epics:          5,
		TasksPerEpic:   40,
		ClosedRatio:    0.3,
		InProgressRate: 0.2,
		CrossLinkRatio: 0.1,
		RandSeed:       42,
	}
}

// Result lists the ids a generator created, grouped by role.
type Result struct {
	Epics []string
	Tasks []string
}

// Generate creates epics with child tasks, then closes, starts and
// cross-links a random share of the tasks.
func Generate(ctx context.Context, store storage.Storage, cfg DataConfig) (Result, error) {
	rng := rand.New(rand.NewSource(cfg.RandSeed))
	var res Result

	for i := 0; i < cfg.Epics; i++ {
		epic, err := store.CreateIssue(ctx, storage.NewIssue{
			Title:       fmt.Sprintf("%s (Epic %d)", epicTitles[i%len(epicTitles)], i),
			Description: fmt.Sprintf("Epic for %s", epicTitles[i%len(epicTitles)]),
			IssueType:   types.TypeEpic,
			Priority:    randomPriority(rng),
			Labels:      randomLabels(rng, 2),
		})
		if err != nil {
			return res, fmt.Errorf("failed to create epic: %w", err)
		}
		res.Epics = append(res.Epics, epic.ID)

		for j := 0; j < cfg.TasksPerEpic; j++ {
			task, err := store.CreateIssue(ctx, storage.NewIssue{
				Title:     fmt.Sprintf("%s (Task %d.%d)", taskTitles[j%len(taskTitles)], i, j),
				IssueType: types.TypeTask,
				Priority:  randomPriority(rng),
				Assignee:  commonAssignees[rng.Intn(len(commonAssignees))],
				Labels:    randomLabels(rng, 1),
				Parent:    epic.ID,
			})
			if err != nil {
				return res, fmt.Errorf("failed to create task: %w", err)
			}
			res.Tasks = append(res.Tasks, task.ID)
		}
	}

	for _, id := range res.Tasks {
		var status types.Status
		switch r := rng.Float64(); {
		case r < cfg.ClosedRatio:
			status = types.StatusClosed
		case r < cfg.ClosedRatio+cfg.InProgressRate:
			status = types.StatusInProgress
		default:
			continue
		}
		if _, err := store.UpdateStatus(ctx, id, status); err != nil {
			return res, fmt.Errorf("failed to set status of %s: %w", id, err)
		}
	}

	if len(res.Tasks) > 1 {
		links := int(float64(len(res.Tasks)) * cfg.CrossLinkRatio)
		for i := 0; i < links; i++ {
			from := res.Tasks[rng.Intn(len(res.Tasks))]
			to := res.Tasks[rng.Intn(len(res.Tasks))]
			if from == to {
				continue
			}
			if err := store.AddDependency(ctx, from, to, types.DepBlocks); err != nil {
				return res, fmt.Errorf("failed to link %s -> %s: %w", from, to, err)
			}
		}
	}
	return res, nil
}

// Board is a small hand-built dataset where every live view has members:
//
//	epic     UI-1 "Board epic"  (children UI-2, UI-3, UI-4)
//	UI-2     open, ready
//	UI-3     in_progress
//	UI-4     closed
//	UI-5     open, blocked by UI-2
type Board struct {
	Epic       string
	Ready      string
	InProgress string
	Closed     string
	Blocked    string
}

// SeedBoard creates the Board dataset. The store must have an issue_prefix
// configured and be empty so ids come out as prefix-1..prefix-5.
func SeedBoard(ctx context.Context, store storage.Storage) (Board, error) {
	var b Board
	create := func(in storage.NewIssue) (string, error) {
		issue, err := store.CreateIssue(ctx, in)
		if err != nil {
			return "", fmt.Errorf("failed to create %q: %w", in.Title, err)
		}
		return issue.ID, nil
	}

	var err error
	if b.Epic, err = create(storage.NewIssue{Title: "Board epic", IssueType: types.TypeEpic, Priority: 1}); err != nil {
		return b, err
	}
	if b.Ready, err = create(storage.NewIssue{Title: "Ready task", Priority: 1, Parent: b.Epic, Labels: []string{"frontend"}}); err != nil {
		return b, err
	}
	if b.InProgress, err = create(storage.NewIssue{Title: "Started task", Priority: 2, Parent: b.Epic, Assignee: "alice"}); err != nil {
		return b, err
	}
	if b.Closed, err = create(storage.NewIssue{Title: "Finished task", Priority: 3, Parent: b.Epic}); err != nil {
		return b, err
	}
	if b.Blocked, err = create(storage.NewIssue{Title: "Waiting task", IssueType: types.TypeBug, Priority: 0}); err != nil {
		return b, err
	}

	if _, err := store.UpdateStatus(ctx, b.InProgress, types.StatusInProgress); err != nil {
		return b, err
	}
	if _, err := store.UpdateStatus(ctx, b.Closed, types.StatusClosed); err != nil {
		return b, err
	}
	if err := store.AddDependency(ctx, b.Blocked, b.Ready, types.DepBlocks); err != nil {
		return b, err
	}
	return b, nil
}

func randomLabels(rng *rand.Rand, max int) []string {
	n := rng.Intn(max) + 1
	labels := make([]string, 0, n)
	for i := 0; i < n; i++ {
		labels = append(labels, commonLabels[rng.Intn(len(commonLabels))])
	}
	return labels
}

// randomPriority returns a random priority with realistic distribution
// P0: 5%, P1: 15%, P2: 50%, P3: 25%, P4: 5%
func randomPriority(rng *rand.Rand) int {
	r := rng.Intn(100)
	switch {
	case r < 5:
		return 0
	case r < 20:
		return 1
	case r < 70:
		return 2
	case r < 95:
		return 3
	default:
		return 4
	}
}
