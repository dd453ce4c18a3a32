// Package beads locates bd workspaces on disk: the .beads directory above a
// path, the database inside it, and the workspaces bd daemons have
// registered.
package beads

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/HerbCaudill/beads-ui-sub002/internal/configfile"
	"github.com/HerbCaudill/beads-ui-sub002/internal/debug"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// CanonicalDatabaseName is the database filename bd creates
const CanonicalDatabaseName = "beads.db"

// LegacyDatabaseNames are old names still found in older workspaces
var LegacyDatabaseNames = []string{"bd.db", "issues.db", "bugs.db"}

// DirName is the per-workspace tracker directory.
const DirName = ".beads"

// FindBeadsDir returns the nearest .beads directory at or above start, or
// "" if there is none.
func FindBeadsDir(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	// Resolve symlinks so the same workspace always has one path
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}

	for {
		if filepath.Base(dir) == DirName {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				return dir
			}
		}
		beadsDir := filepath.Join(dir, DirName)
		if info, err := os.Stat(beadsDir); err == nil && info.IsDir() {
			return beadsDir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// FindDatabasePath returns the database inside beadsDir. metadata.json wins,
// then the canonical name, then legacy names, then any other *.db that is
// not a backup.
// Returns "" if there is none.
func FindDatabasePath(beadsDir string) string {
	if cfg, err := configfile.Load(beadsDir); err == nil && cfg != nil {
		dbPath := cfg.DatabasePath(beadsDir)
		if _, err := os.Stat(dbPath); err == nil {
			return dbPath
		}
	}

	canonicalDB := filepath.Join(beadsDir, CanonicalDatabaseName)
	if _, err := os.Stat(canonicalDB); err == nil {
		return canonicalDB
	}
	for _, legacy := range LegacyDatabaseNames {
		legacyDB := filepath.Join(beadsDir, legacy)
		if _, err := os.Stat(legacyDB); err == nil {
			debug.Logf("using legacy database name %s in %s", legacy, beadsDir)
			return legacyDB
		}
	}

	matches, err := filepath.Glob(filepath.Join(beadsDir, "*.db"))
	if err != nil {
		return ""
	}
	var validDBs []string
	for _, match := range matches {
		baseName := filepath.Base(match)
		// Skip backup files and vc.db
		if !strings.Contains(baseName, ".backup") && baseName != "vc.db" {
			validDBs = append(validDBs, match)
		}
	}
	if len(validDBs) == 0 {
		return ""
	}
	if len(validDBs) > 1 {
		debug.Logf("multiple databases in %s, using %s", beadsDir, filepath.Base(validDBs[0]))
	}
	return validDBs[0]
}

// FindJSONLPath returns the JSONL export next to dbPath: the first existing
// *.jsonl, or issues.jsonl.
func FindJSONLPath(dbPath string) string {
	if dbPath == "" {
		return ""
	}
	dbDir := filepath.Dir(dbPath)
	matches, err := filepath.Glob(filepath.Join(dbDir, "*.jsonl"))
	if err == nil && len(matches) > 0 {
		return matches[0]
	}
	return filepath.Join(dbDir, "issues.jsonl")
}

// Resolve describes the workspace containing path. path may be the
// workspace root, its .beads directory, or anything beneath the root.
func Resolve(path string) (types.Workspace, error) {
	beadsDir := FindBeadsDir(path)
	if beadsDir == "" {
		return types.Workspace{}, fmt.Errorf("no %s directory at or above %s: %w", DirName, path, storage.ErrNotFound)
	}

	ws := types.Workspace{
		Path:     filepath.Dir(beadsDir),
		Database: FindDatabasePath(beadsDir),
	}
	if ws.Database == "" {
		// bd creates it on first use
		ws.Database = filepath.Join(beadsDir, CanonicalDatabaseName)
	}
	if project, err := configfile.LoadProject(beadsDir); err == nil {
		ws.Prefix = project.IssuePrefix
	} else {
		debug.Logf("reading project config in %s: %v", beadsDir, err)
	}
	return ws, nil
}

// Discover resolves the workspace the server starts in: $BEADS_DIR when
// set, else the workspace containing cwd.
func Discover(cwd string) (types.Workspace, error) {
	if beadsDir := os.Getenv("BEADS_DIR"); beadsDir != "" {
		if info, err := os.Stat(beadsDir); err == nil && info.IsDir() {
			return Resolve(beadsDir)
		}
		debug.Logf("ignoring BEADS_DIR=%s: not a directory", beadsDir)
	}
	return Resolve(cwd)
}

// BeadsDir returns the tracker directory of ws.
func BeadsDir(ws types.Workspace) string {
	return filepath.Join(ws.Path, DirName)
}
