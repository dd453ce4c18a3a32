package beads

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// makeWorkspace creates root/.beads with the given files and returns the
// symlink-resolved root.
func makeWorkspace(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	beadsDir := filepath.Join(root, DirName)
	if err := os.MkdirAll(beadsDir, 0o750); err != nil {
		t.Fatal(err)
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(beadsDir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestFindBeadsDirWalksUp(t *testing.T) {
	root := makeWorkspace(t)
	nested := filepath.Join(root, "src", "pkg")
	if err := os.MkdirAll(nested, 0o750); err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(root, DirName)
	for _, start := range []string{root, nested, want} {
		if got := FindBeadsDir(start); got != want {
			t.Errorf("FindBeadsDir(%s) = %q, want %q", start, got, want)
		}
	}
}

func TestFindDatabasePath(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"canonical", []string{"beads.db", "other.db"}, "beads.db"},
		{"legacy", []string{"bd.db"}, "bd.db"},
		{"any db", []string{"custom.db"}, "custom.db"},
		{"skips backups", []string{"x.backup.db", "vc.db"}, ""},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			beadsDir := filepath.Join(makeWorkspace(t, tt.files...), DirName)
			want := ""
			if tt.want != "" {
				want = filepath.Join(beadsDir, tt.want)
			}
			if got := FindDatabasePath(beadsDir); got != want {
				t.Errorf("FindDatabasePath = %q, want %q", got, want)
			}
		})
	}
}

func TestFindDatabasePathHonorsMetadata(t *testing.T) {
	root := makeWorkspace(t, "beads.db", "tracker.db")
	beadsDir := filepath.Join(root, DirName)
	meta := []byte(`{"database":"tracker.db"}`)
	if err := os.WriteFile(filepath.Join(beadsDir, "metadata.json"), meta, 0o600); err != nil {
		t.Fatal(err)
	}
	if got, want := FindDatabasePath(beadsDir), filepath.Join(beadsDir, "tracker.db"); got != want {
		t.Errorf("FindDatabasePath = %q, want %q", got, want)
	}
}

func TestResolve(t *testing.T) {
	root := makeWorkspace(t, "beads.db")
	cfg := []byte("issue-prefix: UI-\n")
	if err := os.WriteFile(filepath.Join(root, DirName, "config.yaml"), cfg, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Resolve(filepath.Join(root, DirName))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := types.Workspace{
		Path:     root,
		Database: filepath.Join(root, DirName, "beads.db"),
		Prefix:   "UI",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
	if BeadsDir(got) != filepath.Join(root, DirName) {
		t.Errorf("BeadsDir = %s", BeadsDir(got))
	}
}

func TestResolveDefaultsDatabase(t *testing.T) {
	root := makeWorkspace(t)
	ws, err := Resolve(root)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if want := filepath.Join(root, DirName, CanonicalDatabaseName); ws.Database != want {
		t.Errorf("Database = %s, want %s", ws.Database, want)
	}
}

func TestResolveMissingWorkspace(t *testing.T) {
	dir := t.TempDir()
	// Guard against a stray .beads somewhere above the temp dir.
	if FindBeadsDir(dir) != "" {
		t.Skip("temp dir is inside a beads workspace")
	}
	_, err := Resolve(dir)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Resolve error = %v, want ErrNotFound", err)
	}
}

func TestDiscoverPrefersBeadsDirEnv(t *testing.T) {
	envRoot := makeWorkspace(t)
	cwdRoot := makeWorkspace(t)

	t.Setenv("BEADS_DIR", filepath.Join(envRoot, DirName))
	ws, err := Discover(cwdRoot)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if ws.Path != envRoot {
		t.Errorf("Discover = %s, want %s", ws.Path, envRoot)
	}

	t.Setenv("BEADS_DIR", filepath.Join(envRoot, "missing"))
	ws, err = Discover(cwdRoot)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if ws.Path != cwdRoot {
		t.Errorf("Discover with bad BEADS_DIR = %s, want %s", ws.Path, cwdRoot)
	}
}

func TestKnownWorkspaces(t *testing.T) {
	a := makeWorkspace(t, "beads.db")
	b := makeWorkspace(t, "beads.db")
	gone := filepath.Join(t.TempDir(), "deleted")

	entries := []RegistryEntry{
		{WorkspacePath: b, SocketPath: filepath.Join(b, DirName, "bd.sock"), PID: 10, Version: "0.20.1", StartedAt: time.Unix(100, 0).UTC()},
		{WorkspacePath: a, PID: 11},
		{WorkspacePath: gone, PID: 12},
		{WorkspacePath: b, PID: 13},
		{PID: 14},
	}
	path := filepath.Join(t.TempDir(), "registry.json")
	writeRegistry(t, path, entries)

	got, err := KnownWorkspaces(path)
	if err != nil {
		t.Fatalf("KnownWorkspaces failed: %v", err)
	}
	var paths []string
	for _, ws := range got {
		paths = append(paths, ws.Path)
	}
	want := []string{a, b}
	if a > b {
		want = []string{b, a}
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("workspaces mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRegistryMissingOrEmpty(t *testing.T) {
	dir := t.TempDir()
	entries, err := ReadRegistry(filepath.Join(dir, "nope.json"))
	if err != nil || entries != nil {
		t.Errorf("missing registry = %v, %v", entries, err)
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	entries, err = ReadRegistry(empty)
	if err != nil || entries != nil {
		t.Errorf("empty registry = %v, %v", entries, err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRegistry(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestListWorkspacesUsesHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	ws := makeWorkspace(t)

	if err := os.MkdirAll(filepath.Join(home, DirName), 0o750); err != nil {
		t.Fatal(err)
	}
	writeRegistry(t, filepath.Join(home, DirName, "registry.json"), []RegistryEntry{{WorkspacePath: ws}})

	got, err := ListWorkspaces()
	if err != nil {
		t.Fatalf("ListWorkspaces failed: %v", err)
	}
	if len(got) != 1 || got[0].Path != ws {
		t.Errorf("ListWorkspaces = %+v", got)
	}
}

func writeRegistry(t *testing.T, path string, entries []RegistryEntry) {
	t.Helper()
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}
