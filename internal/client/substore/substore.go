// Package substore manages a client's live list subscriptions: it sends
// subscribe-list and unsubscribe-list, routes pushes to the matching issue
// store and resubscribes everything after a reconnect.
package substore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog"

	"github.com/HerbCaudill/beads-ui-sub002/internal/client/issuestore"
	"github.com/HerbCaudill/beads-ui-sub002/internal/client/transport"
	"github.com/HerbCaudill/beads-ui-sub002/internal/clock"
	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// Conn is the part of *transport.Client the store uses.
type Conn interface {
	Send(ctx context.Context, typ rpc.MessageType, payload interface{}) (json.RawMessage, error)
	On(typ rpc.MessageType, fn func(payload json.RawMessage)) func()
	OnState(fn func(transport.StateChange)) func()
}

// sub is one client subscription. A replaced or removed sub is never
// reused; routing compares pointers.
type sub struct {
	id       string
	spec     types.ListSpec
	store    *issuestore.Store
	wanted   bool
	inflight bool
}

// Store routes pushes by client subscription id.
type Store struct {
	conn    Conn
	stores  *issuestore.Registry
	log     zerolog.Logger
	backoff transport.Backoff
	clock   clock.Clock
	jitter  func() float64

	ctx    context.Context
	cancel context.CancelFunc
	offs   []func()

	mu   sync.Mutex
	subs map[string]*sub
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithBackoff spaces retries of a failed resubscribe. Defaults to
// transport.DefaultBackoff.
func WithBackoff(b transport.Backoff) Option {
	return func(s *Store) { s.backoff = b }
}

// WithClock sets the clock used for retry waits.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

// New wires a Store to conn. Issue stores are created in stores.
func New(conn Conn, stores *issuestore.Registry, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		conn:    conn,
		stores:  stores,
		log:     logging.WithComponent("substore"),
		backoff: transport.DefaultBackoff(),
		clock:   clock.Real(),
		jitter:  rand.Float64,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*sub),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, kind := range []issuestore.Kind{issuestore.KindSnapshot, issuestore.KindUpsert, issuestore.KindDelete} {
		kind := kind
		s.offs = append(s.offs, conn.On(rpc.MessageType(kind), func(payload json.RawMessage) {
			s.route(kind, payload)
		}))
	}
	s.offs = append(s.offs, conn.OnState(s.onState))
	return s
}

// Close detaches the store from the connection. Server-side attachments
// are left to the connection's own cleanup.
func (s *Store) Close() {
	s.cancel()
	for _, off := range s.offs {
		off()
	}
}

// IDs returns the ids with an active or pending subscription.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}

// SubscribeList subscribes id to spec and returns the function that ends
// the subscription. An existing subscription under id is ended first. On
// error nothing stays registered.
func (s *Store) SubscribeList(ctx context.Context, id string, spec types.ListSpec) (func(context.Context) error, error) {
	s.mu.Lock()
	prev := s.subs[id]
	s.mu.Unlock()
	if prev != nil {
		if err := s.unsubscribe(ctx, prev, false); err != nil {
			s.log.Debug().Err(err).Str("id", id).Msg("unsubscribe before resubscribe failed")
		}
	}

	// Routing goes in before the request: the snapshot push precedes the reply.
	sb := &sub{id: id, spec: spec, store: s.stores.Register(id), wanted: true, inflight: true}
	s.mu.Lock()
	s.subs[id] = sb
	s.mu.Unlock()

	if err := s.attach(ctx, sb); err != nil {
		s.mu.Lock()
		current := s.subs[id] == sb
		if current {
			delete(s.subs, id)
		}
		s.mu.Unlock()
		if current {
			s.stores.Unregister(id)
		}
		return nil, err
	}
	return func(ctx context.Context) error { return s.unsubscribe(ctx, sb, true) }, nil
}

// attach sends subscribe-list for sb and applies the reply snapshot when it
// is newer than what the pushes already delivered. If sb was unsubscribed
// while the request was in flight, the deferred unsubscribe is sent now.
// sb stays in flight when the request fails.
func (s *Store) attach(ctx context.Context, sb *sub) error {
	args := rpc.SubscribeArgs{ID: sb.id, Type: string(sb.spec.Type)}
	if sb.spec.Params != (types.SubscriptionParams{}) {
		params, err := json.Marshal(sb.spec.Params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		args.Params = params
	}

	raw, err := s.conn.Send(ctx, rpc.MsgSubscribeList, args)
	if err != nil {
		// inflight stays set: the caller either drops sb or retries it.
		return err
	}

	s.mu.Lock()
	sb.inflight = false
	wanted := sb.wanted
	s.mu.Unlock()

	if !wanted {
		_, err := s.conn.Send(ctx, rpc.MsgUnsubscribe, rpc.UnsubscribeArgs{ID: sb.id})
		return err
	}

	var resp rpc.SubscribeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decoding subscribe reply: %w", err)
	}
	if sb.store.State() == issuestore.Uninitialized || resp.Revision > sb.store.Revision() {
		sb.store.Apply(issuestore.Delta{Kind: issuestore.KindSnapshot, Revision: resp.Revision, Issues: resp.Issues})
	}
	return nil
}

// unsubscribe removes sb's routing and, unless a subscribe is still in
// flight, tells the server. dropStore also forgets the issue store.
func (s *Store) unsubscribe(ctx context.Context, sb *sub, dropStore bool) error {
	s.mu.Lock()
	if s.subs[sb.id] != sb {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, sb.id)
	sb.wanted = false
	inflight := sb.inflight
	s.mu.Unlock()

	if dropStore {
		s.stores.Unregister(sb.id)
	}
	if inflight {
		return nil
	}
	_, err := s.conn.Send(ctx, rpc.MsgUnsubscribe, rpc.UnsubscribeArgs{ID: sb.id})
	return err
}

func (s *Store) route(kind issuestore.Kind, raw json.RawMessage) {
	var p rpc.PushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn().Err(err).Str("type", string(kind)).Msg("dropping malformed push")
		return
	}

	s.mu.Lock()
	sb := s.subs[p.ID]
	s.mu.Unlock()
	if sb == nil {
		return
	}

	d := issuestore.Delta{Kind: kind, Revision: p.Revision, Issues: p.Issues, IssueIDs: p.IssueIDs}
	if len(d.Issues) == 0 && p.Issue != nil {
		d.Issues = []types.Issue{*p.Issue}
	}
	if len(d.IssueIDs) == 0 && p.IssueID != "" {
		d.IssueIDs = []string{p.IssueID}
	}
	sb.store.Apply(d)
}

// onState resubscribes every settled subscription once per reconnect. It
// runs on the transport's read goroutine, so the requests go out from
// their own goroutines.
func (s *Store) onState(change transport.StateChange) {
	if change.State != transport.StateOpen || !change.Reconnected {
		return
	}

	s.mu.Lock()
	var again []*sub
	for _, sb := range s.subs {
		// In-flight subscribes either fail with the old connection, and
		// their callers see the error, or are already being retried.
		if sb.inflight {
			continue
		}
		sb.inflight = true
		again = append(again, sb)
	}
	s.mu.Unlock()

	for _, sb := range again {
		go s.resubscribe(sb)
	}
}

// resubscribe attaches sb again, retrying with backoff until it succeeds,
// sb is unsubscribed or the store is closed. sb stays in flight while
// retries are pending, so an unsubscribe in the meantime sends nothing.
func (s *Store) resubscribe(sb *sub) {
	for attempt := 0; ; attempt++ {
		err := s.attach(s.ctx, sb)
		if err == nil || s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		current := s.subs[sb.id] == sb
		s.mu.Unlock()
		if !current {
			return
		}

		delay := s.backoff.Delay(attempt, s.jitter())
		s.log.Warn().Err(err).Str("id", sb.id).Str("spec", sb.spec.String()).
			Int("attempt", attempt+1).Dur("retry_in", delay).Msg("resubscribe failed")
		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(delay):
		}
	}
}
