// Package types defines the issue model mirrored from the bd tracker and the
// subscription specs that scope live views over it.
package types

import "time"

// Issue is a tracked work item as shown by the UI. The tracker owns identity;
// this process only mirrors it.
type Issue struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Design             string          `json:"design,omitempty"`
	AcceptanceCriteria string          `json:"acceptance_criteria,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	Status             Status          `json:"status"`
	Priority           int             `json:"priority"`
	IssueType          IssueType       `json:"issue_type"`
	EpicID             *string         `json:"epic_id"`
	Assignee           *string         `json:"assignee"`
	Labels             []string        `json:"labels,omitempty"`
	Dependencies       []DependencyRef `json:"dependencies,omitempty"`
	Dependents         []DependencyRef `json:"dependents,omitempty"`
	CreatedAt          int64           `json:"created_at"`
	UpdatedAt          int64           `json:"updated_at"`
	ClosedAt           *int64          `json:"closed_at"`

	// Epic rows only
	TotalChildren  *int `json:"total_children,omitempty"`
	ClosedChildren *int `json:"closed_children,omitempty"`

	// Blocked rows only
	BlockedBy []string `json:"blocked_by,omitempty"`
}

// DependencyRef is a reference to another issue with just enough fields to
// render it inline.
type DependencyRef struct {
	ID             string         `json:"id"`
	Title          string         `json:"title,omitempty"`
	Status         Status         `json:"status,omitempty"`
	Priority       int            `json:"priority"`
	IssueType      IssueType      `json:"issue_type,omitempty"`
	DependencyType DependencyType `json:"dependency_type,omitempty"`
}

// Status represents the current state of an issue
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed:
		return true
	}
	return false
}

// IssueType categorizes the kind of work
type IssueType string

const (
	TypeBug     IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeTask    IssueType = "task"
	TypeEpic    IssueType = "epic"
	TypeChore   IssueType = "chore"
	TypeUnknown IssueType = "unknown"
)

// IsValid checks if the issue type value is valid
func (t IssueType) IsValid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore:
		return true
	}
	return false
}

// Normalize maps anything outside the known set to TypeUnknown.
func (t IssueType) Normalize() IssueType {
	if t.IsValid() {
		return t
	}
	return TypeUnknown
}

// DependencyType categorizes the relationship
type DependencyType string

const (
	DepBlocks         DependencyType = "blocks"
	DepRelated        DependencyType = "related"
	DepParentChild    DependencyType = "parent-child"
	DepDiscoveredFrom DependencyType = "discovered-from"
)

// IsValid checks if the dependency type value is valid
func (d DependencyType) IsValid() bool {
	switch d {
	case DepBlocks, DepRelated, DepParentChild, DepDiscoveredFrom:
		return true
	}
	return false
}

// Comment represents a comment on an issue
type Comment struct {
	ID        int64  `json:"id"`
	IssueID   string `json:"issue_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}

// EpicStatus summarizes progress of an epic's children.
type EpicStatus struct {
	Epic             Issue `json:"epic"`
	TotalChildren    int   `json:"total_children"`
	ClosedChildren   int   `json:"closed_children"`
	EligibleForClose bool  `json:"eligible_for_close"`
}

// Workspace is a directory holding a .beads tracker.
type Workspace struct {
	Path     string `json:"path"`
	Database string `json:"database,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Active   bool   `json:"active,omitempty"`
}

// Millis converts a time to unix milliseconds; the zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// MillisPtr is Millis for optional timestamps.
func MillisPtr(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
