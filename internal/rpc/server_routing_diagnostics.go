package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/HerbCaudill/beads-ui-sub002/internal/metrics"
)

// checkVersionCompatibility validates a client version against the server.
// The major version must match and the server must not be older than the
// client.
func checkVersionCompatibility(serverVersion, clientVersion string) error {
	// Clients that do not report a version are allowed
	if clientVersion == "" {
		return nil
	}

	serverVer := serverVersion
	if !strings.HasPrefix(serverVer, "v") {
		serverVer = "v" + serverVer
	}
	clientVer := clientVersion
	if !strings.HasPrefix(clientVer, "v") {
		clientVer = "v" + clientVer
	}

	// Dev builds
	if !semver.IsValid(serverVer) || !semver.IsValid(clientVer) {
		return nil
	}

	if semver.Major(serverVer) != semver.Major(clientVer) {
		if semver.Compare(serverVer, clientVer) < 0 {
			return fmt.Errorf("incompatible major versions: client %s, server %s. Server is older; upgrade and restart bdui",
				clientVersion, serverVersion)
		}
		return fmt.Errorf("incompatible major versions: client %s, server %s. Client is older; reload the page",
			clientVersion, serverVersion)
	}

	if semver.Compare(serverVer, clientVer) < 0 {
		return fmt.Errorf("version mismatch: server %s is older than client %s. Restart bdui",
			serverVersion, clientVersion)
	}
	return nil
}

// handleRequest runs one decoded request and builds its reply.
func (s *Server) handleRequest(ctx context.Context, c *conn, req *Request) Reply {
	timer := metrics.NewTimer()

	payload, err := s.dispatch(ctx, c, req)
	timer.ObserveDurationVec(metrics.RequestDuration, string(req.Type))

	if err != nil {
		rpcErr := toError(err)
		metrics.RequestsTotal.WithLabelValues(string(req.Type), string(rpcErr.Code)).Inc()
		s.log.Debug().Str("type", string(req.Type)).Str("code", string(rpcErr.Code)).
			Str("error", rpcErr.Message).Msg("request failed")
		return errorReply(*req, rpcErr)
	}
	metrics.RequestsTotal.WithLabelValues(string(req.Type), "ok").Inc()

	reply := Reply{ID: req.ID, OK: true, Type: req.Type}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errorReply(*req, Errorf(CodeInternal, "encoding reply: %v", err))
		}
		reply.Payload = data
	}
	return reply
}

func (s *Server) dispatch(ctx context.Context, c *conn, req *Request) (interface{}, error) {
	switch req.Type {
	case MsgPing:
		return s.handlePing(req)
	case MsgSubscribeList:
		return s.handleSubscribe(ctx, c, req)
	case MsgUnsubscribe:
		return s.handleUnsubscribe(c, req)
	case MsgListIssues:
		return s.handleList(ctx, req)
	case MsgListReady:
		return s.handleReady(ctx, req)
	case MsgEpicStatus:
		return s.handleEpicStatus(ctx, req)
	case MsgGetComments:
		return s.handleCommentList(ctx, req)
	case MsgUpdateStatus:
		return s.handleUpdateStatus(ctx, req)
	case MsgEditText:
		return s.handleEditText(ctx, req)
	case MsgUpdatePriority:
		return s.handleUpdatePriority(ctx, req)
	case MsgUpdateAssignee:
		return s.handleUpdateAssignee(ctx, req)
	case MsgLabelAdd:
		return s.handleLabelAdd(ctx, req)
	case MsgLabelRemove:
		return s.handleLabelRemove(ctx, req)
	case MsgDepAdd:
		return s.handleDepAdd(ctx, req)
	case MsgDepRemove:
		return s.handleDepRemove(ctx, req)
	case MsgCreateIssue:
		return s.handleCreate(ctx, req)
	case MsgDeleteIssue:
		return s.handleDelete(ctx, req)
	case MsgAddComment:
		return s.handleCommentAdd(ctx, req)
	case MsgListWorkspaces:
		return s.handleListWorkspaces(req)
	case MsgGetWorkspace:
		return s.handleGetWorkspace(req)
	case MsgSetWorkspace:
		return s.handleSetWorkspace(ctx, req)
	}
	return nil, Errorf(CodeUnknownType, "unknown message type %q", req.Type)
}

func errorReply(req Request, err *Error) Reply {
	return Reply{ID: req.ID, OK: false, Type: req.Type, Error: err.body()}
}

func (s *Server) handlePing(req *Request) (interface{}, error) {
	var args PingArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	resp := PingResponse{Message: "pong", Version: ServerVersion, Compatible: true}
	if err := checkVersionCompatibility(ServerVersion, args.ClientVersion); err != nil {
		resp.Compatible = false
		resp.Warning = err.Error()
	}
	return resp, nil
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	keys, subscribers := s.registry.Stats()
	ws := s.Workspace()

	health := HealthResponse{
		Status:        "healthy",
		Version:       ServerVersion,
		Uptime:        time.Since(s.startTime).Seconds(),
		Connections:   s.connectionCount(),
		Subscriptions: subscribers,
		Keys:          keys,
		Workspace:     ws.Path,
		Database:      s.Store().Path(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	code := http.StatusOK
	if _, err := s.Store().Ready(ctx, 1); err != nil {
		health.Status = "unhealthy"
		health.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(health)
}
