// Package rpc serves the live-view protocol over websockets. Each
// connection subscribes to registry keys and issues tracker mutations;
// registry diffs flow back as pushes tagged with the client's subscription
// id.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
	"github.com/HerbCaudill/beads-ui-sub002/internal/metrics"
	"github.com/HerbCaudill/beads-ui-sub002/internal/registry"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// ServerVersion is reported by ping and /healthz. Overridden at link time.
var ServerVersion = "0.3.0"

// DefaultQueueSize bounds each connection's outbound queue.
const DefaultQueueSize = 256

// OpenFunc opens the backend for the workspace at path.
type OpenFunc func(ctx context.Context, path string) (storage.Storage, types.Workspace, error)

// ListFunc enumerates known workspaces.
type ListFunc func() ([]types.Workspace, error)

// Server dispatches websocket connections against one backend at a time.
type Server struct {
	registry *registry.Registry

	mu        sync.RWMutex
	store     storage.Storage
	workspace types.Workspace

	switchMu sync.Mutex
	open     OpenFunc
	list     ListFunc
	onSwitch []func(types.Workspace)

	connMu sync.Mutex
	conns  map[*conn]struct{}
	wg     sync.WaitGroup

	upgrader  websocket.Upgrader
	queueSize int
	startTime time.Time
	log       zerolog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithQueueSize sets the per-connection outbound queue length.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithWorkspaces enables set-workspace and list-workspaces.
func WithWorkspaces(open OpenFunc, list ListFunc) Option {
	return func(s *Server) {
		s.open = open
		s.list = list
	}
}

// OnWorkspaceChange registers fn to run after every successful switch,
// before clients are notified.
func OnWorkspaceChange(fn func(types.Workspace)) Option {
	return func(s *Server) { s.onSwitch = append(s.onSwitch, fn) }
}

// WithLogger replaces the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates a server for store, which backs reg's queries.
func NewServer(store storage.Storage, reg *registry.Registry, ws types.Workspace, opts ...Option) *Server {
	s := &Server{
		registry:  reg,
		store:     store,
		workspace: ws,
		conns:     make(map[*conn]struct{}),
		queueSize: DefaultQueueSize,
		startTime: time.Now(),
		log:       logging.WithComponent("rpc"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	reg.SetQuerier(store)
	return s
}

// Handler returns the HTTP routes: /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Store returns the active backend.
func (s *Server) Store() storage.Storage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Workspace returns the active workspace.
func (s *Server) Workspace() types.Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workspace
}

// Registry returns the subscription registry the server feeds.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Close drops every connection and waits for their handlers to finish.
func (s *Server) Close() error {
	s.connMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	return nil
}

// SetWorkspace switches the backend to the workspace at path. Every live
// key is recomputed against the new backend so subscribers see the change
// as ordinary deltas, then all connections get workspace-changed.
func (s *Server) SetWorkspace(ctx context.Context, path string) (types.Workspace, error) {
	if s.open == nil {
		return types.Workspace{}, Errorf(CodeBadRequest, "workspace switching is not enabled")
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	store, ws, err := s.open(ctx, path)
	if err != nil {
		return types.Workspace{}, fmt.Errorf("opening workspace %s: %w", path, err)
	}

	s.mu.Lock()
	old := s.store
	s.store = store
	s.workspace = ws
	s.mu.Unlock()

	s.registry.SetQuerier(store)
	if err := s.registry.RecomputeAll(ctx); err != nil {
		s.log.Warn().Err(err).Str("workspace", ws.Path).Msg("recompute after workspace switch failed")
	}
	if old != nil && old != store {
		if err := old.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing previous backend")
		}
	}

	for _, fn := range s.onSwitch {
		fn(ws)
	}

	s.broadcast(MsgWorkspaceChanged, WorkspaceChanged{Path: ws.Path, Database: ws.Database})
	s.log.Info().Str("workspace", ws.Path).Str("database", ws.Database).Msg("workspace switched")
	return ws, nil
}

func (s *Server) broadcast(typ MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(typ)).Msg("encoding broadcast")
		return
	}

	s.connMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.send(Reply{ID: newPushID(), OK: true, Type: typ, Payload: data})
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(s, ws)
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
	metrics.ConnectionsActive.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run()

		s.connMu.Lock()
		delete(s.conns, c)
		s.connMu.Unlock()
		metrics.ConnectionsActive.Dec()
	}()
}

func (s *Server) connectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// checkOrigin admits non-browser clients and pages served from this host
// or loopback.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
