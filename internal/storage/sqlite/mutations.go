package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
	"github.com/HerbCaudill/beads-ui-sub002/internal/utils"
)

// Event types written to the events table.
const (
	eventCreated           = "created"
	eventUpdated           = "updated"
	eventStatusChanged     = "status_changed"
	eventClosed            = "closed"
	eventReopened          = "reopened"
	eventLabelAdded        = "label_added"
	eventLabelRemoved      = "label_removed"
	eventDependencyAdded   = "dependency_added"
	eventDependencyRemoved = "dependency_removed"
	eventCommented         = "commented"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn inside a transaction and commits when it returns nil.
func (s *SQLiteStorage) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return wrapDBError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapDBError(op, err)
	}
	return nil
}

func (s *SQLiteStorage) recordEvent(ctx context.Context, x execer, issueID, eventType string, oldValue, newValue interface{}) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO events (issue_id, event_type, actor, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, issueID, eventType, s.actor, oldValue, newValue, s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// markDirty flags an issue so bd re-exports it to JSONL on its next flush.
func (s *SQLiteStorage) markDirty(ctx context.Context, x execer, issueID string) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO dirty_issues (issue_id, marked_at) VALUES (?, ?)
		ON CONFLICT (issue_id) DO UPDATE SET marked_at = excluded.marked_at
	`, issueID, s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to mark issue dirty: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) touch(ctx context.Context, x execer, issueID string) error {
	if _, err := x.ExecContext(ctx, `UPDATE issues SET updated_at = ? WHERE id = ?`, s.timestamp(), issueID); err != nil {
		return fmt.Errorf("failed to update timestamp: %w", err)
	}
	return s.markDirty(ctx, x, issueID)
}

// updateColumn changes one issue column, recording an event with the old
// and new values. column must come from a fixed allow-list.
func (s *SQLiteStorage) updateColumn(ctx context.Context, id, column string, value interface{}) (*types.Issue, error) {
	err := s.withTx(ctx, "update issue", func(tx *sql.Tx) error {
		var old sql.NullString
		// #nosec G201 - column is from a fixed allow-list
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM issues WHERE id = ?`, column), id).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		// #nosec G201 - column is from a fixed allow-list
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE issues SET %s = ?, updated_at = ? WHERE id = ?`, column),
			value, s.timestamp(), id); err != nil {
			return fmt.Errorf("failed to update %s: %w", column, err)
		}
		if err := s.recordEvent(ctx, tx, id, eventUpdated, column+"="+old.String, fmt.Sprintf("%s=%v", column, value)); err != nil {
			return err
		}
		return s.markDirty(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return s.Show(ctx, id)
}

// UpdateStatus moves an issue to status, setting or clearing closed_at so
// the closed/closed_at invariant holds.
func (s *SQLiteStorage) UpdateStatus(ctx context.Context, id string, status types.Status) (*types.Issue, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: invalid status %q", storage.ErrInvalid, status)
	}
	err := s.withTx(ctx, "update status", func(tx *sql.Tx) error {
		var old string
		err := tx.QueryRowContext(ctx, `SELECT status FROM issues WHERE id = ?`, id).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if types.Status(old) == status {
			return nil
		}

		now := s.timestamp()
		var closedAt interface{}
		if status == types.StatusClosed {
			closedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE issues SET status = ?, closed_at = ?, updated_at = ? WHERE id = ?`,
			string(status), closedAt, now, id); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}

		eventType := eventStatusChanged
		switch {
		case status == types.StatusClosed:
			eventType = eventClosed
		case types.Status(old) == types.StatusClosed:
			eventType = eventReopened
		}
		if err := s.recordEvent(ctx, tx, id, eventType, old, string(status)); err != nil {
			return err
		}
		return s.markDirty(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return s.Show(ctx, id)
}

// EditText replaces one free-text field.
func (s *SQLiteStorage) EditText(ctx context.Context, id string, field storage.TextField, value string) (*types.Issue, error) {
	if !field.IsValid() {
		return nil, fmt.Errorf("%w: field %q is not editable", storage.ErrInvalid, field)
	}
	if field == storage.FieldTitle {
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%w: title is required", storage.ErrInvalid)
		}
		if len(value) > 500 {
			return nil, fmt.Errorf("%w: title must be 500 characters or less (got %d)", storage.ErrInvalid, len(value))
		}
	}
	return s.updateColumn(ctx, id, string(field), value)
}

// UpdatePriority sets priority in the range 0-4.
func (s *SQLiteStorage) UpdatePriority(ctx context.Context, id string, priority int) (*types.Issue, error) {
	if priority < 0 || priority > 4 {
		return nil, fmt.Errorf("%w: priority must be between 0 and 4 (got %d)", storage.ErrInvalid, priority)
	}
	return s.updateColumn(ctx, id, "priority", priority)
}

// UpdateAssignee sets or, with "", clears the assignee.
func (s *SQLiteStorage) UpdateAssignee(ctx context.Context, id string, assignee string) (*types.Issue, error) {
	var value interface{}
	if assignee != "" {
		value = assignee
	}
	return s.updateColumn(ctx, id, "assignee", value)
}

// AddLabel attaches label to an issue. Adding an existing label is a no-op.
func (s *SQLiteStorage) AddLabel(ctx context.Context, id, label string) (*types.Issue, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, fmt.Errorf("%w: label is required", storage.ErrInvalid)
	}
	err := s.withTx(ctx, "add label", func(tx *sql.Tx) error {
		if err := s.requireIssue(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)`, id, label)
		if err != nil {
			return fmt.Errorf("failed to add label: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := s.recordEvent(ctx, tx, id, eventLabelAdded, nil, label); err != nil {
			return err
		}
		return s.touch(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return s.Show(ctx, id)
}

// RemoveLabel detaches label from an issue. Removing a missing label is a no-op.
func (s *SQLiteStorage) RemoveLabel(ctx context.Context, id, label string) (*types.Issue, error) {
	err := s.withTx(ctx, "remove label", func(tx *sql.Tx) error {
		if err := s.requireIssue(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM labels WHERE issue_id = ? AND label = ?`, id, label)
		if err != nil {
			return fmt.Errorf("failed to remove label: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := s.recordEvent(ctx, tx, id, eventLabelRemoved, label, nil); err != nil {
			return err
		}
		return s.touch(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return s.Show(ctx, id)
}

// AddDependency records that issueID depends on dependsOnID. An existing
// edge between the pair has its type replaced.
func (s *SQLiteStorage) AddDependency(ctx context.Context, issueID, dependsOnID string, depType types.DependencyType) error {
	if depType == "" {
		depType = types.DepBlocks
	}
	if !depType.IsValid() {
		return fmt.Errorf("%w: invalid dependency type %q", storage.ErrInvalid, depType)
	}
	if issueID == dependsOnID {
		return fmt.Errorf("%w: issue cannot depend on itself", storage.ErrInvalid)
	}
	return s.withTx(ctx, "add dependency", func(tx *sql.Tx) error {
		return s.addDependencyTx(ctx, tx, issueID, dependsOnID, depType)
	})
}

func (s *SQLiteStorage) addDependencyTx(ctx context.Context, tx *sql.Tx, issueID, dependsOnID string, depType types.DependencyType) error {
	if err := s.requireIssue(ctx, tx, issueID); err != nil {
		return err
	}
	if err := s.requireIssue(ctx, tx, dependsOnID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dependencies (issue_id, depends_on_id, type, created_at, created_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (issue_id, depends_on_id) DO UPDATE SET type = excluded.type
	`, issueID, dependsOnID, string(depType), s.timestamp(), s.actor)
	if err != nil {
		return fmt.Errorf("failed to add dependency: %w", err)
	}
	if err := s.recordEvent(ctx, tx, issueID, eventDependencyAdded, nil, string(depType)+":"+dependsOnID); err != nil {
		return err
	}
	if err := s.touch(ctx, tx, issueID); err != nil {
		return err
	}
	return s.markDirty(ctx, tx, dependsOnID)
}

// RemoveDependency deletes the edge from issueID to dependsOnID.
func (s *SQLiteStorage) RemoveDependency(ctx context.Context, issueID, dependsOnID string) error {
	return s.withTx(ctx, "remove dependency", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM dependencies WHERE issue_id = ? AND depends_on_id = ?`, issueID, dependsOnID)
		if err != nil {
			return fmt.Errorf("failed to remove dependency: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("dependency %s -> %s: %w", issueID, dependsOnID, storage.ErrNotFound)
		}
		if err := s.recordEvent(ctx, tx, issueID, eventDependencyRemoved, dependsOnID, nil); err != nil {
			return err
		}
		if err := s.touch(ctx, tx, issueID); err != nil {
			return err
		}
		return s.markDirty(ctx, tx, dependsOnID)
	})
}

// CreateIssue allocates the next sequential id under the configured
// issue_prefix and inserts the issue with its labels and parent link.
func (s *SQLiteStorage) CreateIssue(ctx context.Context, in storage.NewIssue) (*types.Issue, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", storage.ErrInvalid)
	}
	if len(title) > 500 {
		return nil, fmt.Errorf("%w: title must be 500 characters or less (got %d)", storage.ErrInvalid, len(title))
	}
	if in.Priority < 0 || in.Priority > 4 {
		return nil, fmt.Errorf("%w: priority must be between 0 and 4 (got %d)", storage.ErrInvalid, in.Priority)
	}
	issueType := in.IssueType
	if issueType == "" {
		issueType = types.TypeTask
	}
	if !issueType.IsValid() {
		return nil, fmt.Errorf("%w: invalid issue type %q", storage.ErrInvalid, issueType)
	}

	var id string
	err := s.withTx(ctx, "create issue", func(tx *sql.Tx) error {
		var prefix string
		err := tx.QueryRowContext(ctx, `SELECT value FROM config WHERE key = 'issue_prefix'`).Scan(&prefix)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && prefix == "") {
			return fmt.Errorf("%w: database not initialized: issue_prefix config is missing (run 'bd init')", storage.ErrInvalid)
		}
		if err != nil {
			return fmt.Errorf("failed to get config: %w", err)
		}

		if id, err = nextID(ctx, tx, strings.TrimSuffix(prefix, "-")); err != nil {
			return err
		}

		now := s.timestamp()
		var assignee interface{}
		if in.Assignee != "" {
			assignee = in.Assignee
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issues (id, title, description, status, priority, issue_type, assignee, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, title, in.Description, string(types.StatusOpen), in.Priority, string(issueType), assignee, now, now); err != nil {
			return fmt.Errorf("failed to insert issue: %w", err)
		}
		for _, label := range in.Labels {
			if label = strings.TrimSpace(label); label == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)`, id, label); err != nil {
				return fmt.Errorf("failed to add label: %w", err)
			}
		}
		if err := s.recordEvent(ctx, tx, id, eventCreated, nil, title); err != nil {
			return err
		}
		if err := s.markDirty(ctx, tx, id); err != nil {
			return err
		}
		if in.Parent != "" {
			return s.addDependencyTx(ctx, tx, id, in.Parent, types.DepParentChild)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Show(ctx, id)
}

// nextID returns prefix-N where N is one past the highest existing number.
func nextID(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM issues WHERE id LIKE ?`, prefix+"-%")
	if err != nil {
		return "", fmt.Errorf("failed to scan ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	highest := 0
	for rows.Next() {
		var existing string
		if err := rows.Scan(&existing); err != nil {
			return "", err
		}
		if !strings.HasPrefix(existing, prefix+"-") {
			continue
		}
		if n := utils.ExtractIssueNumber(existing); n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", prefix, highest+1), nil
}

// DeleteIssue removes an issue; labels, dependencies, comments and events
// cascade.
func (s *SQLiteStorage) DeleteIssue(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete issue", func(tx *sql.Tx) error {
		// Dependents lose an edge, so bd must re-export them.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dirty_issues (issue_id, marked_at)
			SELECT issue_id, ? FROM dependencies WHERE depends_on_id = ?
			ON CONFLICT (issue_id) DO UPDATE SET marked_at = excluded.marked_at
		`, s.timestamp(), id); err != nil {
			return fmt.Errorf("failed to mark dependents dirty: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete issue: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
		}
		return nil
	})
}

// AddComment appends a comment to an issue.
func (s *SQLiteStorage) AddComment(ctx context.Context, id, author, text string) (*types.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: comment text is required", storage.ErrInvalid)
	}
	if author == "" {
		author = s.actor
	}
	now := s.timestamp()
	var commentID int64
	err := s.withTx(ctx, "add comment", func(tx *sql.Tx) error {
		if err := s.requireIssue(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO comments (issue_id, author, text, created_at)
			VALUES (?, ?, ?, ?)
		`, id, author, text, now)
		if err != nil {
			return fmt.Errorf("failed to insert comment: %w", err)
		}
		if commentID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get comment id: %w", err)
		}
		if err := s.recordEvent(ctx, tx, id, eventCommented, nil, text); err != nil {
			return err
		}
		return s.touch(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return &types.Comment{
		ID:        commentID,
		IssueID:   id,
		Author:    author,
		Text:      text,
		CreatedAt: types.Millis(now),
	}, nil
}
