// Package storage defines the interface for issue storage backends.
package storage

import (
	"context"
	"errors"

	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

var (
	// ErrNotFound is returned when the referenced issue does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable wraps any failure to reach or run the backend.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInvalid is returned when the backend rejects the arguments.
	ErrInvalid = errors.New("invalid argument")
)

// TextField names an issue field editable as free text.
type TextField string

const (
	FieldTitle              TextField = "title"
	FieldDescription        TextField = "description"
	FieldDesign             TextField = "design"
	FieldAcceptanceCriteria TextField = "acceptance_criteria"
	FieldNotes              TextField = "notes"
)

// IsValid reports whether f is an editable text field.
func (f TextField) IsValid() bool {
	switch f {
	case FieldTitle, FieldDescription, FieldDesign, FieldAcceptanceCriteria, FieldNotes:
		return true
	}
	return false
}

// ListFilter narrows list-issues. Zero values mean "no filter".
type ListFilter struct {
	Status    types.Status
	IssueType types.IssueType
	Assignee  string
	Labels    []string
	Limit     int
}

// NewIssue holds the fields accepted by create-issue.
type NewIssue struct {
	Title       string
	Description string
	IssueType   types.IssueType
	Priority    int
	Assignee    string
	Labels      []string
	Parent      string
}

// Storage is the backend the server mirrors. Queries return the full member
// list for a subscription; mutators return the updated issue when the
// backend reports one.
type Storage interface {
	// Query computes the member list for a live subscription.
	Query(ctx context.Context, spec types.ListSpec) ([]types.Issue, error)

	ListIssues(ctx context.Context, filter ListFilter) ([]types.Issue, error)
	Ready(ctx context.Context, limit int) ([]types.Issue, error)
	EpicStatus(ctx context.Context) ([]types.EpicStatus, error)
	Show(ctx context.Context, id string) (*types.Issue, error)

	UpdateStatus(ctx context.Context, id string, status types.Status) (*types.Issue, error)
	EditText(ctx context.Context, id string, field TextField, value string) (*types.Issue, error)
	UpdatePriority(ctx context.Context, id string, priority int) (*types.Issue, error)
	UpdateAssignee(ctx context.Context, id string, assignee string) (*types.Issue, error)
	AddLabel(ctx context.Context, id, label string) (*types.Issue, error)
	RemoveLabel(ctx context.Context, id, label string) (*types.Issue, error)
	AddDependency(ctx context.Context, issueID, dependsOnID string, depType types.DependencyType) error
	RemoveDependency(ctx context.Context, issueID, dependsOnID string) error
	CreateIssue(ctx context.Context, issue NewIssue) (*types.Issue, error)
	DeleteIssue(ctx context.Context, id string) error

	Comments(ctx context.Context, id string) ([]types.Comment, error)
	AddComment(ctx context.Context, id, author, text string) (*types.Comment, error)

	// Path returns the database path this backend serves.
	Path() string
	Close() error
}

// FilterClosedSince keeps closed issues whose closed_at is at or after since.
// since == 0 keeps every issue.
func FilterClosedSince(issues []types.Issue, since int64) []types.Issue {
	if since == 0 {
		return issues
	}
	out := issues[:0:0]
	for _, issue := range issues {
		if issue.ClosedAt != nil && *issue.ClosedAt >= since {
			out = append(out, issue)
		}
	}
	return out
}

// EpicRows flattens epic status into list rows carrying child counts.
func EpicRows(statuses []types.EpicStatus) []types.Issue {
	rows := make([]types.Issue, 0, len(statuses))
	for _, st := range statuses {
		row := st.Epic
		total, closed := st.TotalChildren, st.ClosedChildren
		row.TotalChildren = &total
		row.ClosedChildren = &closed
		rows = append(rows, row)
	}
	return rows
}
