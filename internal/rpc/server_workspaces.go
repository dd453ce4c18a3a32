package rpc

import (
	"context"
	"path/filepath"
)

func (s *Server) handleGetWorkspace(req *Request) (interface{}, error) {
	if err := decodeArgs(req.Payload, &EmptyArgs{}); err != nil {
		return nil, err
	}
	ws := s.Workspace()
	ws.Active = true
	return ws, nil
}

func (s *Server) handleListWorkspaces(req *Request) (interface{}, error) {
	if err := decodeArgs(req.Payload, &EmptyArgs{}); err != nil {
		return nil, err
	}
	current := s.Workspace()
	current.Active = true

	resp := WorkspacesResponse{Current: current}
	seen := map[string]bool{filepath.Clean(current.Path): true}
	resp.Workspaces = append(resp.Workspaces, current)

	if s.list != nil {
		known, err := s.list()
		if err != nil {
			s.log.Warn().Err(err).Msg("listing workspaces")
		}
		for _, ws := range known {
			key := filepath.Clean(ws.Path)
			if seen[key] {
				continue
			}
			seen[key] = true
			ws.Active = false
			resp.Workspaces = append(resp.Workspaces, ws)
		}
	}
	return resp, nil
}

func (s *Server) handleSetWorkspace(ctx context.Context, req *Request) (interface{}, error) {
	var args SetWorkspaceArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	ws, err := s.SetWorkspace(ctx, args.Path)
	if err != nil {
		return nil, err
	}
	ws.Active = true
	return ws, nil
}
