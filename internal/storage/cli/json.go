package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// bdIssue mirrors the issue object bd prints with --json. Show output nests
// dependencies as full issues carrying a dependency_type.
type bdIssue struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Design             string     `json:"design"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	Notes              string     `json:"notes"`
	Status             string     `json:"status"`
	Priority           int        `json:"priority"`
	IssueType          string     `json:"issue_type"`
	Assignee           string     `json:"assignee"`
	Parent             string     `json:"parent"`
	Labels             []string   `json:"labels"`
	Dependencies       []bdDep    `json:"dependencies"`
	Dependents         []bdDep    `json:"dependents"`
	BlockedBy          []string   `json:"blocked_by"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ClosedAt           *time.Time `json:"closed_at"`
}

type bdDep struct {
	ID             string `json:"id"`
	DependsOnID    string `json:"depends_on_id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Priority       int    `json:"priority"`
	IssueType      string `json:"issue_type"`
	DependencyType string `json:"dependency_type"`
	Type           string `json:"type"`
}

type bdComment struct {
	ID        int64     `json:"id"`
	IssueID   string    `json:"issue_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (c bdComment) toComment() types.Comment {
	return types.Comment{
		ID:        c.ID,
		IssueID:   c.IssueID,
		Author:    c.Author,
		Text:      c.Text,
		CreatedAt: types.Millis(c.CreatedAt),
	}
}

func (d bdDep) toRef() types.DependencyRef {
	id := d.ID
	if id == "" {
		id = d.DependsOnID
	}
	depType := d.DependencyType
	if depType == "" {
		depType = d.Type
	}
	return types.DependencyRef{
		ID:             id,
		Title:          d.Title,
		Status:         types.Status(d.Status),
		Priority:       d.Priority,
		IssueType:      types.IssueType(d.IssueType),
		DependencyType: types.DependencyType(depType),
	}
}

func (b bdIssue) toIssue() types.Issue {
	issue := types.Issue{
		ID:                 b.ID,
		Title:              b.Title,
		Description:        b.Description,
		Design:             b.Design,
		AcceptanceCriteria: b.AcceptanceCriteria,
		Notes:              b.Notes,
		Status:             types.Status(b.Status),
		Priority:           b.Priority,
		IssueType:          types.IssueType(b.IssueType).Normalize(),
		Labels:             b.Labels,
		BlockedBy:          b.BlockedBy,
		CreatedAt:          types.Millis(b.CreatedAt),
		UpdatedAt:          types.Millis(b.UpdatedAt),
		ClosedAt:           types.MillisPtr(b.ClosedAt),
	}
	if b.Assignee != "" {
		assignee := b.Assignee
		issue.Assignee = &assignee
	}
	if b.Parent != "" {
		parent := b.Parent
		issue.EpicID = &parent
	}
	for _, d := range b.Dependencies {
		ref := d.toRef()
		issue.Dependencies = append(issue.Dependencies, ref)
		if ref.DependencyType == types.DepParentChild && issue.EpicID == nil {
			epic := ref.ID
			issue.EpicID = &epic
		}
	}
	for _, d := range b.Dependents {
		issue.Dependents = append(issue.Dependents, d.toRef())
	}
	return issue
}

func convertAll(raw []bdIssue) []types.Issue {
	out := make([]types.Issue, 0, len(raw))
	for _, b := range raw {
		out = append(out, b.toIssue())
	}
	return out
}

// decodeOne accepts either a single issue object or a one-element array; bd
// has printed both shapes across versions.
func decodeOne(raw json.RawMessage) (*types.Issue, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []bdIssue
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: parsing issue list: %v", storage.ErrUnavailable, err)
		}
		if len(list) == 0 {
			return nil, nil
		}
		issue := list[0].toIssue()
		return &issue, nil
	}
	var one bdIssue
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("%w: parsing issue: %v", storage.ErrUnavailable, err)
	}
	issue := one.toIssue()
	return &issue, nil
}
