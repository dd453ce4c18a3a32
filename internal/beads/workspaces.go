package beads

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// RegistryEntry is one daemon record in ~/.beads/registry.json, as written
// by bd daemons when they start.
type RegistryEntry struct {
	WorkspacePath string    `json:"workspace_path"`
	SocketPath    string    `json:"socket_path"`
	DatabasePath  string    `json:"database_path"`
	PID           int       `json:"pid"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`
}

// RegistryPath returns the daemon registry location.
func RegistryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot get home directory: %w", err)
	}
	return filepath.Join(home, DirName, "registry.json"), nil
}

// ReadRegistry loads the daemon registry at path. A missing or empty file
// yields no entries.
func ReadRegistry(path string) ([]RegistryEntry, error) {
	data, err := os.ReadFile(path) // #nosec G304 - controlled path
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []RegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}
	return entries, nil
}

// KnownWorkspaces lists the workspaces in the registry at path that still
// have a .beads directory, deduplicated and sorted by path.
func KnownWorkspaces(path string) ([]types.Workspace, error) {
	entries, err := ReadRegistry(path)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []types.Workspace
	for _, e := range entries {
		if e.WorkspacePath == "" {
			continue
		}
		ws, err := Resolve(e.WorkspacePath)
		if err != nil {
			continue
		}
		if seen[ws.Path] {
			continue
		}
		seen[ws.Path] = true
		if e.DatabasePath != "" {
			ws.Database = e.DatabasePath
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ListWorkspaces is KnownWorkspaces over the default registry location.
func ListWorkspaces() ([]types.Workspace, error) {
	path, err := RegistryPath()
	if err != nil {
		return nil, err
	}
	return KnownWorkspaces(path)
}
