// Package client assembles the client core for one session: the transport,
// the issue stores, the subscription store, the selectors and the activity
// tracker. Nothing here is global; each Session owns its parts.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/HerbCaudill/beads-ui-sub002/internal/client/activity"
	"github.com/HerbCaudill/beads-ui-sub002/internal/client/issuestore"
	"github.com/HerbCaudill/beads-ui-sub002/internal/client/selectors"
	"github.com/HerbCaudill/beads-ui-sub002/internal/client/substore"
	"github.com/HerbCaudill/beads-ui-sub002/internal/client/transport"
	"github.com/HerbCaudill/beads-ui-sub002/internal/clock"
	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// Config configures a Session. Zero fields take defaults.
type Config struct {
	URL             string
	Backoff         transport.Backoff
	ActivityTimeout time.Duration
	Clock           clock.Clock
	Logger          *zerolog.Logger
}

// Session is one connected client.
type Session struct {
	Transport *transport.Client
	Stores    *issuestore.Registry
	Subs      *substore.Store
	Select    *selectors.Selectors
	Activity  *activity.Tracker
}

// Open starts a session against cfg.URL. It returns before the connection
// is established; requests wait for it.
func Open(cfg Config) *Session {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := logging.WithComponent("client")
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	backoff := cfg.Backoff
	if backoff == (transport.Backoff{}) {
		backoff = transport.DefaultBackoff()
	}
	timeout := cfg.ActivityTimeout
	if timeout <= 0 {
		timeout = activity.DefaultTimeout
	}

	conn := transport.Dial(cfg.URL,
		transport.WithBackoff(backoff),
		transport.WithClock(clk),
		transport.WithLogger(log.With().Str("part", "transport").Logger()),
	)
	stores := issuestore.NewRegistry()
	subs := substore.New(conn, stores,
		substore.WithBackoff(backoff),
		substore.WithClock(clk),
		substore.WithLogger(log.With().Str("part", "substore").Logger()),
	)
	return &Session{
		Transport: conn,
		Stores:    stores,
		Subs:      subs,
		Select:    selectors.New(stores),
		Activity: activity.New(
			activity.WithClock(clk),
			activity.WithTimeout(timeout),
			activity.WithLogger(log.With().Str("part", "activity").Logger()),
		),
	}
}

// Close ends the session.
func (s *Session) Close() error {
	s.Subs.Close()
	return s.Transport.Close()
}

// Subscribe subscribes id to spec. See substore.Store.SubscribeList.
func (s *Session) Subscribe(ctx context.Context, id string, spec types.ListSpec) (func(context.Context) error, error) {
	var unsub func(context.Context) error
	err := s.Activity.Track(ctx, func(ctx context.Context) error {
		var err error
		unsub, err = s.Subs.SubscribeList(ctx, id, spec)
		return err
	})
	return unsub, err
}

// Request sends a request and decodes the reply payload into out, which
// may be nil.
func (s *Session) Request(ctx context.Context, typ rpc.MessageType, payload, out interface{}) error {
	return s.Activity.Track(ctx, func(ctx context.Context) error {
		raw, err := s.Transport.Send(ctx, typ, payload)
		if err != nil {
			return err
		}
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding %s reply: %w", typ, err)
		}
		return nil
	})
}

// Ping checks the server and reports version compatibility.
func (s *Session) Ping(ctx context.Context, clientVersion string) (rpc.PingResponse, error) {
	var resp rpc.PingResponse
	err := s.Request(ctx, rpc.MsgPing, rpc.PingArgs{ClientVersion: clientVersion}, &resp)
	return resp, err
}

// OnWorkspaceChanged calls fn when the server switches workspace.
func (s *Session) OnWorkspaceChanged(fn func(rpc.WorkspaceChanged)) func() {
	return s.Transport.On(rpc.MsgWorkspaceChanged, func(raw json.RawMessage) {
		var ev rpc.WorkspaceChanged
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		fn(ev)
	})
}
