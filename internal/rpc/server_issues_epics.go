package rpc

import (
	"context"
	"errors"

	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
	"github.com/HerbCaudill/beads-ui-sub002/internal/utils"
)

// DefaultReadyLimit matches the ready-issues subscription query.
const DefaultReadyLimit = 1000

// neighborhood collects the ids whose detail views may show issue: the
// issue itself, both sides of its dependencies and its epic.
func neighborhood(issue *types.Issue, extra ...string) []string {
	ids := append([]string(nil), extra...)
	if issue == nil {
		return ids
	}
	ids = append(ids, issue.ID)
	if issue.EpicID != nil {
		ids = append(ids, *issue.EpicID)
	}
	for _, dep := range issue.Dependencies {
		ids = append(ids, dep.ID)
	}
	for _, dep := range issue.Dependents {
		ids = append(ids, dep.ID)
	}
	return ids
}

// afterMutation recomputes every list key plus the detail keys of ids. The
// mutation already succeeded, so recompute failures are only logged. Other
// connections still need the change when the requester has gone away.
func (s *Server) afterMutation(ctx context.Context, ids []string) {
	if err := s.registry.RecomputeAffected(context.WithoutCancel(ctx), ids); err != nil {
		s.log.Warn().Err(err).Strs("ids", ids).Msg("recompute after mutation failed")
	}
}

// resolveID expands a short id ("3", "a3f8") to the one issue it names.
func (s *Server) resolveID(ctx context.Context, store storage.Storage, id string) (string, error) {
	return utils.ResolvePartialID(ctx, store, id, s.Workspace().Prefix)
}

// mutateIssue resolves id, runs a mutator that returns the updated issue,
// then refreshes subscriptions around it.
func (s *Server) mutateIssue(ctx context.Context, id string, fn func(store storage.Storage, id string) (*types.Issue, error)) (interface{}, error) {
	store := s.Store()
	id, err := s.resolveID(ctx, store, id)
	if err != nil {
		return nil, err
	}
	issue, err := fn(store, id)
	if err != nil {
		return nil, err
	}
	s.afterMutation(ctx, neighborhood(issue, id))
	if issue == nil {
		return nil, nil
	}
	return issue, nil
}

func (s *Server) handleUpdateStatus(ctx context.Context, req *Request) (interface{}, error) {
	var args UpdateStatusArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	return s.mutateIssue(ctx, args.ID, func(store storage.Storage, id string) (*types.Issue, error) {
		return store.UpdateStatus(ctx, id, args.Status)
	})
}

func (s *Server) handleEditText(ctx context.Context, req *Request) (interface{}, error) {
	var args EditTextArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	return s.mutateIssue(ctx, args.ID, func(store storage.Storage, id string) (*types.Issue, error) {
		return store.EditText(ctx, id, args.Field, args.Value)
	})
}

func (s *Server) handleUpdatePriority(ctx context.Context, req *Request) (interface{}, error) {
	var args UpdatePriorityArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	return s.mutateIssue(ctx, args.ID, func(store storage.Storage, id string) (*types.Issue, error) {
		return store.UpdatePriority(ctx, id, *args.Priority)
	})
}

func (s *Server) handleUpdateAssignee(ctx context.Context, req *Request) (interface{}, error) {
	var args UpdateAssigneeArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	return s.mutateIssue(ctx, args.ID, func(store storage.Storage, id string) (*types.Issue, error) {
		return store.UpdateAssignee(ctx, id, args.Assignee)
	})
}

func (s *Server) handleLabelAdd(ctx context.Context, req *Request) (interface{}, error) {
	var args LabelArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	return s.mutateIssue(ctx, args.ID, func(store storage.Storage, id string) (*types.Issue, error) {
		return store.AddLabel(ctx, id, args.Label)
	})
}

func (s *Server) handleLabelRemove(ctx context.Context, req *Request) (interface{}, error) {
	var args LabelArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	return s.mutateIssue(ctx, args.ID, func(store storage.Storage, id string) (*types.Issue, error) {
		return store.RemoveLabel(ctx, id, args.Label)
	})
}

// depResult returns the dependent issue after a dependency change, or nil
// when the backend cannot show it.
func (s *Server) depResult(ctx context.Context, args DepArgs) (interface{}, error) {
	ids := []string{args.IssueID, args.DependsOnID}
	issue, err := s.Store().Show(ctx, args.IssueID)
	if err != nil {
		s.afterMutation(ctx, ids)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	s.afterMutation(ctx, neighborhood(issue, ids...))
	return issue, nil
}

func (s *Server) handleDepAdd(ctx context.Context, req *Request) (interface{}, error) {
	var args DepArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	depType := args.DepType
	if depType == "" {
		depType = types.DepBlocks
	}
	if err := s.Store().AddDependency(ctx, args.IssueID, args.DependsOnID, depType); err != nil {
		return nil, err
	}
	return s.depResult(ctx, args)
}

func (s *Server) handleDepRemove(ctx context.Context, req *Request) (interface{}, error) {
	var args DepArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	if err := s.Store().RemoveDependency(ctx, args.IssueID, args.DependsOnID); err != nil {
		return nil, err
	}
	return s.depResult(ctx, args)
}

func (s *Server) handleCreate(ctx context.Context, req *Request) (interface{}, error) {
	var args CreateArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	issue, err := s.Store().CreateIssue(ctx, args.newIssue())
	if err != nil {
		return nil, err
	}
	s.afterMutation(ctx, neighborhood(issue, args.Parent))
	return issue, nil
}

func (s *Server) handleDelete(ctx context.Context, req *Request) (interface{}, error) {
	var args IDArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	store := s.Store()
	id, err := s.resolveID(ctx, store, args.ID)
	if err != nil {
		return nil, err
	}

	// Capture neighbors first; they vanish with the issue.
	var before *types.Issue
	if issue, err := store.Show(ctx, id); err == nil {
		before = issue
	}
	if err := store.DeleteIssue(ctx, id); err != nil {
		return nil, err
	}
	s.afterMutation(ctx, neighborhood(before, id))
	return DeleteResponse{ID: id, Deleted: true}, nil
}

func (s *Server) handleCommentAdd(ctx context.Context, req *Request) (interface{}, error) {
	var args CommentAddArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	comment, err := s.Store().AddComment(ctx, args.ID, args.Author, args.Text)
	if err != nil {
		return nil, err
	}
	s.afterMutation(ctx, []string{args.ID})
	return comment, nil
}

func (s *Server) handleCommentList(ctx context.Context, req *Request) (interface{}, error) {
	var args IDArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	comments, err := s.Store().Comments(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	if comments == nil {
		comments = []types.Comment{}
	}
	return comments, nil
}

func (s *Server) handleList(ctx context.Context, req *Request) (interface{}, error) {
	var args ListArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	issues, err := s.Store().ListIssues(ctx, args.filter())
	if err != nil {
		return nil, err
	}
	return nonNil(issues), nil
}

func (s *Server) handleReady(ctx context.Context, req *Request) (interface{}, error) {
	var args ReadyArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit == 0 {
		limit = DefaultReadyLimit
	}
	issues, err := s.Store().Ready(ctx, limit)
	if err != nil {
		return nil, err
	}
	return nonNil(issues), nil
}

func (s *Server) handleEpicStatus(ctx context.Context, req *Request) (interface{}, error) {
	if err := decodeArgs(req.Payload, &EmptyArgs{}); err != nil {
		return nil, err
	}
	epics, err := s.Store().EpicStatus(ctx)
	if err != nil {
		return nil, err
	}
	if epics == nil {
		epics = []types.EpicStatus{}
	}
	return epics, nil
}

func nonNil(issues []types.Issue) []types.Issue {
	if issues == nil {
		return []types.Issue{}
	}
	return issues
}
