// Package beadsui is the public API for embedding the live view in another
// program: serve a workspace from your own HTTP mux, or follow one from Go.
//
// Most programs should run the bdui binary instead. This package exports
// only what an embedder needs to wire a server or a client session.
package beadsui

import (
	"github.com/HerbCaudill/beads-ui-sub002/internal/beads"
	"github.com/HerbCaudill/beads-ui-sub002/internal/client"
	"github.com/HerbCaudill/beads-ui-sub002/internal/registry"
	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage/sqlite"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// Storage is the backend a Server mirrors
type Storage = storage.Storage

// Server serves live subscriptions for one workspace at a time
type Server = rpc.Server

// ServerOption customizes a Server
type ServerOption = rpc.Option

// Session is a connected client with its stores and selectors
type Session = client.Session

// SessionConfig configures a Session
type SessionConfig = client.Config

// Discover finds the workspace for cwd, honoring $BEADS_DIR
func Discover(cwd string) (Workspace, error) {
	return beads.Discover(cwd)
}

// OpenSQLite opens the workspace database directly
func OpenSQLite(ws Workspace) (Storage, error) {
	return sqlite.New(ws.Database)
}

// NewServer returns a server for store. Mount Server.Handler on any mux.
func NewServer(store Storage, ws Workspace, opts ...ServerOption) *Server {
	return rpc.NewServer(store, registry.New(nil), ws, opts...)
}

// Connect opens a client session against a server's /ws endpoint. It
// returns immediately and reconnects in the background.
func Connect(url string) *Session {
	return client.Open(client.Config{URL: url})
}

// ConnectWith is Connect with full configuration.
func ConnectWith(cfg SessionConfig) *Session {
	return client.Open(cfg)
}

// Core types from internal/types
type (
	Issue            = types.Issue
	Status           = types.Status
	IssueType        = types.IssueType
	DependencyType   = types.DependencyType
	DependencyRef    = types.DependencyRef
	Comment          = types.Comment
	EpicStatus       = types.EpicStatus
	Workspace        = types.Workspace
	ListSpec         = types.ListSpec
	SubscriptionType = types.SubscriptionType
)

// Status constants
const (
	StatusOpen       = types.StatusOpen
	StatusInProgress = types.StatusInProgress
	StatusBlocked    = types.StatusBlocked
	StatusClosed     = types.StatusClosed
)

// IssueType constants
const (
	TypeBug     = types.TypeBug
	TypeFeature = types.TypeFeature
	TypeTask    = types.TypeTask
	TypeEpic    = types.TypeEpic
	TypeChore   = types.TypeChore
)

// Subscription types
const (
	SubAllIssues        = types.SubAllIssues
	SubEpics            = types.SubEpics
	SubBlockedIssues    = types.SubBlockedIssues
	SubReadyIssues      = types.SubReadyIssues
	SubInProgressIssues = types.SubInProgressIssues
	SubClosedIssues     = types.SubClosedIssues
	SubIssueDetail      = types.SubIssueDetail
)
