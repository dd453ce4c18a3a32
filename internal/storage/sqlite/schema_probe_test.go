package sqlite

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestProbeSchema_AllTablesPresent(t *testing.T) {
	db := openMemory(t)
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	result := probeSchema(db)
	if !result.Compatible {
		t.Errorf("expected schema to be compatible, got: %s", result.ErrorMessage)
	}
	if len(result.MissingTables) > 0 {
		t.Errorf("unexpected missing tables: %v", result.MissingTables)
	}
	if len(result.MissingColumns) > 0 {
		t.Errorf("unexpected missing columns: %v", result.MissingColumns)
	}
}

func TestProbeSchema_MissingTable(t *testing.T) {
	db := openMemory(t)
	_, err := db.Exec(`
		CREATE TABLE issues (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			design TEXT NOT NULL DEFAULT '',
			acceptance_criteria TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			priority INTEGER NOT NULL DEFAULT 2,
			issue_type TEXT NOT NULL DEFAULT 'task',
			assignee TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at DATETIME
		)
	`)
	if err != nil {
		t.Fatalf("failed to create issues table: %v", err)
	}

	result := probeSchema(db)
	if result.Compatible {
		t.Error("expected schema to be incompatible (missing tables)")
	}
	if len(result.MissingTables) != len(expectedSchema)-1 {
		t.Errorf("missing tables = %v", result.MissingTables)
	}
}

func TestProbeSchema_MissingColumn(t *testing.T) {
	db := openMemory(t)
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	// An old tracker without the comments.author column.
	if _, err := db.Exec(`DROP TABLE comments; CREATE TABLE comments (id INTEGER PRIMARY KEY, issue_id TEXT, text TEXT, created_at DATETIME)`); err != nil {
		t.Fatalf("failed to replace comments table: %v", err)
	}

	result := probeSchema(db)
	if result.Compatible {
		t.Error("expected schema to be incompatible (missing author column)")
	}
	cols := result.MissingColumns["comments"]
	if len(cols) != 1 || cols[0] != "author" {
		t.Errorf("missing comments columns = %v, want [author]", cols)
	}
}

func TestVerifySchemaCompatibility(t *testing.T) {
	db := openMemory(t)
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	if err := verifySchemaCompatibility(db); err != nil {
		t.Errorf("expected schema to be compatible, got error: %v", err)
	}
}

func TestVerifySchemaCompatibility_Incompatible(t *testing.T) {
	db := openMemory(t)
	if _, err := db.Exec(`CREATE TABLE issues (id TEXT PRIMARY KEY, title TEXT NOT NULL)`); err != nil {
		t.Fatalf("failed to create issues table: %v", err)
	}

	err := verifySchemaCompatibility(db)
	if !errors.Is(err, ErrSchemaIncompatible) {
		t.Errorf("err = %v, want ErrSchemaIncompatible", err)
	}
}
