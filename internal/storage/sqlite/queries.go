package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

const issueColumns = `id, title, description, design, acceptance_criteria, notes,
	status, priority, issue_type, assignee, created_at, updated_at, closed_at`

// statusesBlocking are the states in which a blocker still blocks.
const statusesBlocking = `('open', 'in_progress', 'blocked')`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row rowScanner) (types.Issue, error) {
	var (
		issue             types.Issue
		status, issueType string
		assignee          sql.NullString
		created, updated  dbTime
		closed            dbTime
	)
	err := row.Scan(
		&issue.ID, &issue.Title, &issue.Description, &issue.Design, &issue.AcceptanceCriteria, &issue.Notes,
		&status, &issue.Priority, &issueType, &assignee, &created, &updated, &closed,
	)
	if err != nil {
		return types.Issue{}, err
	}
	issue.Status = types.Status(status)
	issue.IssueType = types.IssueType(issueType).Normalize()
	if assignee.Valid && assignee.String != "" {
		a := assignee.String
		issue.Assignee = &a
	}
	issue.CreatedAt = types.Millis(created.Time)
	issue.UpdatedAt = types.Millis(updated.Time)
	issue.ClosedAt = types.MillisPtr(closed.ptr())
	return issue, nil
}

func (s *SQLiteStorage) queryIssues(ctx context.Context, query string, args ...interface{}) ([]types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query issues", err)
	}
	defer func() { _ = rows.Close() }()

	issues := []types.Issue{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, wrapDBError("scan issue", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate issues", err)
	}
	if err := s.hydrate(ctx, issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// hydrate fills labels and epic ids for a batch of issues.
func (s *SQLiteStorage) hydrate(ctx context.Context, issues []types.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	index := make(map[string]int, len(issues))
	ids := make([]string, 0, len(issues))
	for i := range issues {
		index[issues[i].ID] = i
		ids = append(ids, issues[i].ID)
	}
	in, args := buildSQLInClause(ids)

	// #nosec G201 - placeholders only
	labelRows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT issue_id, label FROM labels WHERE issue_id IN (%s) ORDER BY issue_id, label`, in), args...)
	if err != nil {
		return wrapDBError("load labels", err)
	}
	for labelRows.Next() {
		var id, label string
		if err := labelRows.Scan(&id, &label); err != nil {
			_ = labelRows.Close()
			return wrapDBError("scan label", err)
		}
		if i, ok := index[id]; ok {
			issues[i].Labels = append(issues[i].Labels, label)
		}
	}
	if err := labelRows.Err(); err != nil {
		_ = labelRows.Close()
		return wrapDBError("iterate labels", err)
	}
	_ = labelRows.Close()

	// #nosec G201 - placeholders only
	parentRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT issue_id, depends_on_id FROM dependencies
		WHERE type = 'parent-child' AND issue_id IN (%s)
		ORDER BY issue_id, created_at`, in), args...)
	if err != nil {
		return wrapDBError("load parents", err)
	}
	defer func() { _ = parentRows.Close() }()
	for parentRows.Next() {
		var id, parent string
		if err := parentRows.Scan(&id, &parent); err != nil {
			return wrapDBError("scan parent", err)
		}
		if i, ok := index[id]; ok && issues[i].EpicID == nil {
			p := parent
			issues[i].EpicID = &p
		}
	}
	return wrapDBError("iterate parents", parentRows.Err())
}

// Query computes the member list for a live subscription.
func (s *SQLiteStorage) Query(ctx context.Context, spec types.ListSpec) ([]types.Issue, error) {
	switch spec.Type {
	case types.SubAllIssues:
		return s.ListIssues(ctx, storage.ListFilter{})
	case types.SubReadyIssues:
		return s.Ready(ctx, 1000)
	case types.SubBlockedIssues:
		return s.blocked(ctx)
	case types.SubInProgressIssues:
		return s.ListIssues(ctx, storage.ListFilter{Status: types.StatusInProgress})
	case types.SubClosedIssues:
		issues, err := s.ListIssues(ctx, storage.ListFilter{Status: types.StatusClosed})
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

// ListIssues returns issues matching filter ordered by priority then age.
func (s *SQLiteStorage) ListIssues(ctx context.Context, filter storage.ListFilter) ([]types.Issue, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.IssueType != "" {
		where = append(where, "issue_type = ?")
		args = append(args, string(filter.IssueType))
	}
	if filter.Assignee != "" {
		where = append(where, "assignee = ?")
		args = append(args, filter.Assignee)
	}
	for _, label := range filter.Labels {
		where = append(where, "EXISTS (SELECT 1 FROM labels l WHERE l.issue_id = issues.id AND l.label = ?)")
		args = append(args, label)
	}

	query := `SELECT ` + issueColumns + ` FROM issues`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryIssues(ctx, query, args...)
}

// Ready returns open issues with no open blockers, directly or through a
// blocked parent.
func (s *SQLiteStorage) Ready(ctx context.Context, limit int) ([]types.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM ready_issues ORDER BY priority ASC, created_at ASC, id ASC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryIssues(ctx, query, args...)
}

func (s *SQLiteStorage) blocked(ctx context.Context) ([]types.Issue, error) {
	issues, err := s.queryIssues(ctx,
		`SELECT `+issueColumns+` FROM blocked_issues ORDER BY priority ASC, created_at ASC, id ASC`)
	if err != nil || len(issues) == 0 {
		return issues, err
	}

	index := make(map[string]int, len(issues))
	ids := make([]string, 0, len(issues))
	for i := range issues {
		index[issues[i].ID] = i
		ids = append(ids, issues[i].ID)
	}
	in, args := buildSQLInClause(ids)
	// #nosec G201 - placeholders only
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.issue_id, d.depends_on_id
		FROM dependencies d
		JOIN issues blocker ON blocker.id = d.depends_on_id
		WHERE d.type = 'blocks'
		  AND blocker.status IN %s
		  AND d.issue_id IN (%s)
		ORDER BY d.issue_id, d.depends_on_id`, statusesBlocking, in), args...)
	if err != nil {
		return nil, wrapDBError("load blockers", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, blocker string
		if err := rows.Scan(&id, &blocker); err != nil {
			return nil, wrapDBError("scan blocker", err)
		}
		if i, ok := index[id]; ok {
			issues[i].BlockedBy = append(issues[i].BlockedBy, blocker)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate blockers", err)
	}
	return issues, nil
}

// EpicStatus reports child progress for every epic that is not closed.
func (s *SQLiteStorage) EpicStatus(ctx context.Context) ([]types.EpicStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.title, e.description, e.design, e.acceptance_criteria, e.notes,
		       e.status, e.priority, e.issue_type, e.assignee, e.created_at, e.updated_at, e.closed_at,
		       COUNT(c.id) AS total_children,
		       COALESCE(SUM(CASE WHEN c.status = 'closed' THEN 1 ELSE 0 END), 0) AS closed_children
		FROM issues e
		LEFT JOIN dependencies d ON d.depends_on_id = e.id AND d.type = 'parent-child'
		LEFT JOIN issues c ON c.id = d.issue_id
		WHERE e.issue_type = 'epic' AND e.status != 'closed'
		GROUP BY e.id
		ORDER BY e.priority ASC, e.created_at ASC, e.id ASC
	`)
	if err != nil {
		return nil, wrapDBError("epic status", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		out    []types.EpicStatus
		epics  []types.Issue
		counts [][2]int
	)
	for rows.Next() {
		var total, closed int
		epic, err := scanIssue(scannerWithExtra{rows, []interface{}{&total, &closed}})
		if err != nil {
			return nil, wrapDBError("scan epic", err)
		}
		epics = append(epics, epic)
		counts = append(counts, [2]int{total, closed})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate epics", err)
	}
	_ = rows.Close()

	if err := s.hydrate(ctx, epics); err != nil {
		return nil, err
	}
	out = make([]types.EpicStatus, 0, len(epics))
	for i, epic := range epics {
		total, closed := counts[i][0], counts[i][1]
		out = append(out, types.EpicStatus{
			Epic:             epic,
			TotalChildren:    total,
			ClosedChildren:   closed,
			EligibleForClose: total > 0 && total == closed,
		})
	}
	return out, nil
}

// scannerWithExtra appends destinations after the issue columns.
type scannerWithExtra struct {
	row   rowScanner
	extra []interface{}
}

func (s scannerWithExtra) Scan(dest ...interface{}) error {
	return s.row.Scan(append(dest, s.extra...)...)
}

// Show returns one issue with its dependencies and dependents.
func (s *SQLiteStorage) Show(ctx context.Context, id string) (*types.Issue, error) {
	issue, err := scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBError("get issue", err)
	}
	one := []types.Issue{issue}
	if err := s.hydrate(ctx, one); err != nil {
		return nil, err
	}
	issue = one[0]

	if issue.Dependencies, err = s.dependencyRefs(ctx, `
		SELECT i.id, i.title, i.status, i.priority, i.issue_type, d.type
		FROM dependencies d JOIN issues i ON i.id = d.depends_on_id
		WHERE d.issue_id = ?
		ORDER BY i.priority ASC, i.id ASC`, id); err != nil {
		return nil, err
	}
	if issue.Dependents, err = s.dependencyRefs(ctx, `
		SELECT i.id, i.title, i.status, i.priority, i.issue_type, d.type
		FROM dependencies d JOIN issues i ON i.id = d.issue_id
		WHERE d.depends_on_id = ?
		ORDER BY i.priority ASC, i.id ASC`, id); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (s *SQLiteStorage) dependencyRefs(ctx context.Context, query, id string) ([]types.DependencyRef, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, wrapDBError("load dependencies", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []types.DependencyRef
	for rows.Next() {
		var (
			ref                        types.DependencyRef
			status, issueType, depType string
		)
		if err := rows.Scan(&ref.ID, &ref.Title, &status, &ref.Priority, &issueType, &depType); err != nil {
			return nil, wrapDBError("scan dependency", err)
		}
		ref.Status = types.Status(status)
		ref.IssueType = types.IssueType(issueType).Normalize()
		ref.DependencyType = types.DependencyType(depType)
		refs = append(refs, ref)
	}
	return refs, wrapDBError("iterate dependencies", rows.Err())
}

// Comments returns an issue's comments oldest first.
func (s *SQLiteStorage) Comments(ctx context.Context, id string) ([]types.Comment, error) {
	if err := s.requireIssue(ctx, s.db, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, author, text, created_at
		FROM comments WHERE issue_id = ?
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, wrapDBError("get comments", err)
	}
	defer func() { _ = rows.Close() }()

	comments := []types.Comment{}
	for rows.Next() {
		var (
			c       types.Comment
			created dbTime
		)
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Author, &c.Text, &created); err != nil {
			return nil, wrapDBError("scan comment", err)
		}
		c.CreatedAt = types.Millis(created.Time)
		comments = append(comments, c)
	}
	return comments, wrapDBError("iterate comments", rows.Err())
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStorage) requireIssue(ctx context.Context, q queryer, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM issues WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
	}
	return wrapDBError("check issue", err)
}
