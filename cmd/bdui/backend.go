package main

import (
	"context"
	"fmt"

	"github.com/HerbCaudill/beads-ui-sub002/internal/beads"
	"github.com/HerbCaudill/beads-ui-sub002/internal/debug"
	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage/cli"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage/sqlite"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// Backend kinds accepted by --backend.
const (
	backendCLI    = "cli"
	backendDirect = "direct"
)

// opener returns the rpc.OpenFunc for kind. The cli backend runs bdPath in
// the workspace; direct opens the workspace database itself.
func opener(kind, bdPath string) (rpc.OpenFunc, error) {
	switch kind {
	case backendCLI:
		return func(ctx context.Context, path string) (storage.Storage, types.Workspace, error) {
			ws, err := beads.Resolve(path)
			if err != nil {
				return nil, types.Workspace{}, err
			}
			store := cli.New(bdPath, ws.Path, ws.Database)
			v, err := store.CheckVersion(ctx)
			if err != nil {
				return nil, types.Workspace{}, err
			}
			debug.Logf("bd %s serving %s", v, ws.Path)
			return store, ws, nil
		}, nil

	case backendDirect:
		return func(ctx context.Context, path string) (storage.Storage, types.Workspace, error) {
			ws, err := beads.Resolve(path)
			if err != nil {
				return nil, types.Workspace{}, err
			}
			store, err := sqlite.New(ws.Database)
			if err != nil {
				return nil, types.Workspace{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
			}
			if ws.Prefix == "" {
				if prefix, err := store.GetConfig(ctx, "issue_prefix"); err == nil {
					ws.Prefix = prefix
				} else {
					debug.Logf("reading issue_prefix from %s: %v", ws.Database, err)
				}
			}
			return store, ws, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q (want %s or %s)", kind, backendCLI, backendDirect)
}
