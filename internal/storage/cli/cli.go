// Package cli implements storage.Storage by shelling out to the bd binary with
// --json and parsing its output.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/HerbCaudill/beads-ui-sub002/internal/debug"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// DefaultTimeout bounds a single bd invocation.
const DefaultTimeout = 30 * time.Second

// Runner executes bd with args in dir and returns stdout. Swapped in tests.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// CommandError describes a bd invocation that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("bd %s: %s", strings.Join(e.Args, " "), msg)
}

// Is maps bd's "not found" output onto storage.ErrNotFound.
func (e *CommandError) Is(target error) bool {
	if target != storage.ErrNotFound {
		return false
	}
	lower := strings.ToLower(e.Stderr)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "no issue found")
}

var _ storage.Storage = (*Store)(nil)

// Store runs bd against one workspace.
type Store struct {
	bin     string
	root    string
	dbPath  string
	timeout time.Duration
	run     Runner
}

// Option customizes a Store.
type Option func(*Store)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option { return func(s *Store) { s.run = r } }

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

// New returns a Store that runs bin (usually "bd") in workspace root.
func New(bin, root, dbPath string, opts ...Option) *Store {
	if bin == "" {
		bin = "bd"
	}
	s := &Store{
		bin:     bin,
		root:    root,
		dbPath:  dbPath,
		timeout: DefaultTimeout,
	}
	s.run = s.execRunner
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) execRunner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		errText := stderr.String()
		if strings.TrimSpace(errText) == "" {
			// bd --json reports some errors on stdout
			errText = stdout.String()
		}
		return nil, &CommandError{Args: args, ExitCode: exitErr.ExitCode(), Stderr: tail(errText, 2048)}
	}
	return nil, fmt.Errorf("%w: running %s: %v", storage.ErrUnavailable, s.bin, err)
}

// runJSON invokes bd with --json appended and decodes stdout into out.
func (s *Store) runJSON(ctx context.Context, out interface{}, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args = append(args, "--json")
	debug.Logf("bd %s (dir=%s)", strings.Join(args, " "), s.root)
	data, err := s.run(ctx, s.root, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: parsing bd %s output: %v", storage.ErrUnavailable, args[0], err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, spec types.ListSpec) ([]types.Issue, error) {
	switch spec.Type {
	case types.SubAllIssues:
		return s.list(ctx, "list")
	case types.SubReadyIssues:
		return s.Ready(ctx, 1000)
	case types.SubBlockedIssues:
		return s.list(ctx, "blocked")
	case types.SubInProgressIssues:
		return s.list(ctx, "list", "--status", string(types.StatusInProgress))
	case types.SubClosedIssues:
		issues, err := s.list(ctx, "list", "--status", string(types.StatusClosed))
		if err != nil {
			return nil, err
		}
		return storage.FilterClosedSince(issues, spec.Params.Since), nil
	case types.SubEpics:
		statuses, err := s.EpicStatus(ctx)
		if err != nil {
			return nil, err
		}
		return storage.EpicRows(statuses), nil
	case types.SubIssueDetail:
		issue, err := s.Show(ctx, spec.Params.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return []types.Issue{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []types.Issue{*issue}, nil
	}
	return nil, fmt.Errorf("%w: unsupported subscription type %q", storage.ErrInvalid, spec.Type)
}

func (s *Store) list(ctx context.Context, args ...string) ([]types.Issue, error) {
	var raw []bdIssue
	if err := s.runJSON(ctx, &raw, args...); err != nil {
		return nil, err
	}
	return convertAll(raw), nil
}

func (s *Store) ListIssues(ctx context.Context, filter storage.ListFilter) ([]types.Issue, error) {
	args := []string{"list"}
	if filter.Status != "" {
		args = append(args, "--status", string(filter.Status))
	}
	if filter.IssueType != "" {
		args = append(args, "--type", string(filter.IssueType))
	}
	if filter.Assignee != "" {
		args = append(args, "--assignee", filter.Assignee)
	}
	if len(filter.Labels) > 0 {
		args = append(args, "--label", strings.Join(filter.Labels, ","))
	}
	if filter.Limit > 0 {
		args = append(args, "--limit", strconv.Itoa(filter.Limit))
	}
	return s.list(ctx, args...)
}

func (s *Store) Ready(ctx context.Context, limit int) ([]types.Issue, error) {
	args := []string{"ready"}
	if limit > 0 {
		args = append(args, "--limit", strconv.Itoa(limit))
	}
	return s.list(ctx, args...)
}

func (s *Store) EpicStatus(ctx context.Context) ([]types.EpicStatus, error) {
	var raw []struct {
		Epic             bdIssue `json:"epic"`
		TotalChildren    int     `json:"total_children"`
		ClosedChildren   int     `json:"closed_children"`
		EligibleForClose bool    `json:"eligible_for_close"`
	}
	if err := s.runJSON(ctx, &raw, "epic", "status"); err != nil {
		return nil, err
	}
	out := make([]types.EpicStatus, 0, len(raw))
	for _, r := range raw {
		out = append(out, types.EpicStatus{
			Epic:             r.Epic.toIssue(),
			TotalChildren:    r.TotalChildren,
			ClosedChildren:   r.ClosedChildren,
			EligibleForClose: r.EligibleForClose,
		})
	}
	return out, nil
}

// Show returns a single issue with dependencies and dependents.
func (s *Store) Show(ctx context.Context, id string) (*types.Issue, error) {
	var raw json.RawMessage
	if err := s.runJSON(ctx, &raw, "show", id); err != nil {
		return nil, err
	}
	issue, err := decodeOne(raw)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
	}
	return issue, nil
}

// mutate runs a bd mutation then re-reads the issue so callers always get
// the tracker's view.
func (s *Store) mutate(ctx context.Context, id string, args ...string) (*types.Issue, error) {
	if err := s.runJSON(ctx, nil, args...); err != nil {
		return nil, err
	}
	return s.Show(ctx, id)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status types.Status) (*types.Issue, error) {
	if status == types.StatusClosed {
		return s.mutate(ctx, id, "close", id)
	}
	return s.mutate(ctx, id, "update", id, "--status", string(status))
}

func (s *Store) EditText(ctx context.Context, id string, field storage.TextField, value string) (*types.Issue, error) {
	flag := map[storage.TextField]string{
		storage.FieldTitle:              "--title",
		storage.FieldDescription:        "--description",
		storage.FieldDesign:             "--design",
		storage.FieldAcceptanceCriteria: "--acceptance",
		storage.FieldNotes:              "--notes",
	}[field]
	if flag == "" {
		return nil, fmt.Errorf("%w: field %q is not editable", storage.ErrInvalid, field)
	}
	return s.mutate(ctx, id, "update", id, flag, value)
}

func (s *Store) UpdatePriority(ctx context.Context, id string, priority int) (*types.Issue, error) {
	return s.mutate(ctx, id, "update", id, "--priority", strconv.Itoa(priority))
}

func (s *Store) UpdateAssignee(ctx context.Context, id string, assignee string) (*types.Issue, error) {
	return s.mutate(ctx, id, "update", id, "--assignee", assignee)
}

func (s *Store) AddLabel(ctx context.Context, id, label string) (*types.Issue, error) {
	return s.mutate(ctx, id, "label", "add", id, label)
}

func (s *Store) RemoveLabel(ctx context.Context, id, label string) (*types.Issue, error) {
	return s.mutate(ctx, id, "label", "remove", id, label)
}

func (s *Store) AddDependency(ctx context.Context, issueID, dependsOnID string, depType types.DependencyType) error {
	if depType == "" {
		depType = types.DepBlocks
	}
	return s.runJSON(ctx, nil, "dep", "add", issueID, dependsOnID, "--type", string(depType))
}

func (s *Store) RemoveDependency(ctx context.Context, issueID, dependsOnID string) error {
	return s.runJSON(ctx, nil, "dep", "remove", issueID, dependsOnID)
}

func (s *Store) CreateIssue(ctx context.Context, in storage.NewIssue) (*types.Issue, error) {
	args := []string{"create", in.Title, "--priority", strconv.Itoa(in.Priority)}
	if in.IssueType != "" {
		args = append(args, "--type", string(in.IssueType))
	}
	if in.Description != "" {
		args = append(args, "--description", in.Description)
	}
	if in.Assignee != "" {
		args = append(args, "--assignee", in.Assignee)
	}
	if len(in.Labels) > 0 {
		args = append(args, "--labels", strings.Join(in.Labels, ","))
	}
	if in.Parent != "" {
		args = append(args, "--parent", in.Parent)
	}

	var raw json.RawMessage
	if err := s.runJSON(ctx, &raw, args...); err != nil {
		return nil, err
	}
	issue, err := decodeOne(raw)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, fmt.Errorf("%w: bd create returned no issue", storage.ErrUnavailable)
	}
	return issue, nil
}

func (s *Store) DeleteIssue(ctx context.Context, id string) error {
	return s.runJSON(ctx, nil, "delete", id, "--force")
}

func (s *Store) Comments(ctx context.Context, id string) ([]types.Comment, error) {
	var raw []bdComment
	if err := s.runJSON(ctx, &raw, "comments", id); err != nil {
		return nil, err
	}
	out := make([]types.Comment, 0, len(raw))
	for _, c := range raw {
		out = append(out, c.toComment())
	}
	return out, nil
}

func (s *Store) AddComment(ctx context.Context, id, author, text string) (*types.Comment, error) {
	args := []string{"comments", "add", id, text}
	if author != "" {
		args = append(args, "--author", author)
	}
	var raw bdComment
	if err := s.runJSON(ctx, &raw, args...); err != nil {
		return nil, err
	}
	c := raw.toComment()
	return &c, nil
}

func (s *Store) Path() string { return s.dbPath }

// Root returns the workspace directory bd runs in.
func (s *Store) Root() string { return s.root }

func (s *Store) Close() error { return nil }

// DetectRoot maps a database path to the workspace root (parent of .beads).
func DetectRoot(dbPath string) string {
	return filepath.Dir(filepath.Dir(dbPath))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
