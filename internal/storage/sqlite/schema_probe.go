// Package sqlite - schema compatibility probing
package sqlite

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// ErrSchemaIncompatible is returned when the database lacks tables or columns
// the direct backend reads.
var ErrSchemaIncompatible = fmt.Errorf("database schema is incompatible")

// expectedSchema lists every table and column the direct backend touches.
var expectedSchema = map[string][]string{
	"issues": {
		"id", "title", "description", "design", "acceptance_criteria", "notes",
		"status", "priority", "issue_type", "assignee",
		"created_at", "updated_at", "closed_at",
	},
	"dependencies": {"issue_id", "depends_on_id", "type", "created_at", "created_by"},
	"labels":       {"issue_id", "label"},
	"comments":     {"id", "issue_id", "author", "text", "created_at"},
	"events":       {"id", "issue_id", "event_type", "actor", "old_value", "new_value", "created_at"},
	"config":       {"key", "value"},
	"dirty_issues": {"issue_id", "marked_at"},
}

// SchemaProbeResult contains the results of a schema compatibility check
type SchemaProbeResult struct {
	Compatible     bool
	MissingTables  []string
	MissingColumns map[string][]string // table -> missing columns
	ErrorMessage   string
}

// probeSchema verifies all expected tables and columns exist
func probeSchema(db *sql.DB) SchemaProbeResult {
	result := SchemaProbeResult{
		Compatible:     true,
		MissingTables:  []string{},
		MissingColumns: make(map[string][]string),
	}

	tables := make([]string, 0, len(expectedSchema))
	for table := range expectedSchema {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		cols := expectedSchema[table]
		query := fmt.Sprintf("SELECT %s FROM %s LIMIT 0", strings.Join(cols, ", "), table) // #nosec G201 - fixed identifiers
		if _, err := db.Exec(query); err != nil {
			errMsg := err.Error()
			switch {
			case strings.Contains(errMsg, "no such table"):
				result.Compatible = false
				result.MissingTables = append(result.MissingTables, table)
			case strings.Contains(errMsg, "no such column"):
				result.Compatible = false
				if missing := findMissingColumns(db, table, cols); len(missing) > 0 {
					result.MissingColumns[table] = missing
				}
			}
		}
	}

	if !result.Compatible {
		var parts []string
		if len(result.MissingTables) > 0 {
			parts = append(parts, fmt.Sprintf("missing tables: %s", strings.Join(result.MissingTables, ", ")))
		}
		for _, table := range tables {
			if cols, ok := result.MissingColumns[table]; ok {
				parts = append(parts, fmt.Sprintf("missing columns in %s: %s", table, strings.Join(cols, ", ")))
			}
		}
		result.ErrorMessage = strings.Join(parts, "; ")
	}

	return result
}

// findMissingColumns determines which columns are missing from a table
func findMissingColumns(db *sql.DB, table string, expectedCols []string) []string {
	missing := []string{}
	for _, col := range expectedCols {
		query := fmt.Sprintf("SELECT %s FROM %s LIMIT 0", col, table) // #nosec G201 - fixed identifiers
		if _, err := db.Exec(query); err != nil && strings.Contains(err.Error(), "no such column") {
			missing = append(missing, col)
		}
	}
	return missing
}

// verifySchemaCompatibility runs schema probe and returns detailed error on failure
func verifySchemaCompatibility(db *sql.DB) error {
	result := probeSchema(db)
	if !result.Compatible {
		return fmt.Errorf("%w: %s", ErrSchemaIncompatible, result.ErrorMessage)
	}
	return nil
}
