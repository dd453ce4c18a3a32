package substore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HerbCaudill/beads-ui-sub002/internal/client/issuestore"
	"github.com/HerbCaudill/beads-ui-sub002/internal/client/transport"
	"github.com/HerbCaudill/beads-ui-sub002/internal/clock"
	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// call is one request seen by fakeConn. The test answers it through reply.
type call struct {
	typ     rpc.MessageType
	payload json.RawMessage
	reply   chan callResult
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// fakeConn stands in for the transport. Pushes and state changes are
// delivered synchronously, as the transport's read goroutine would.
type fakeConn struct {
	calls chan call

	mu        sync.Mutex
	listeners map[rpc.MessageType][]func(json.RawMessage)
	states    []func(transport.StateChange)
}

func newFakeConn() *fakeConn {
	return &fakeConn{calls: make(chan call, 16), listeners: make(map[rpc.MessageType][]func(json.RawMessage))}
}

func (f *fakeConn) Send(ctx context.Context, typ rpc.MessageType, payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	c := call{typ: typ, payload: data, reply: make(chan callResult, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) On(typ rpc.MessageType, fn func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[typ] = append(f.listeners[typ], fn)
	return func() {}
}

func (f *fakeConn) OnState(fn func(transport.StateChange)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, fn)
	return func() {}
}

func (f *fakeConn) push(t *testing.T, typ rpc.MessageType, p rpc.PushPayload) {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	f.mu.Lock()
	list := append(make([]func(json.RawMessage), 0, len(f.listeners[typ])), f.listeners[typ]...)
	f.mu.Unlock()
	for _, fn := range list {
		fn(data)
	}
}

func (f *fakeConn) setState(change transport.StateChange) {
	f.mu.Lock()
	list := append(make([]func(transport.StateChange), 0, len(f.states)), f.states...)
	f.mu.Unlock()
	for _, fn := range list {
		fn(change)
	}
}

func (f *fakeConn) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no request sent")
		return call{}
	}
}

func (f *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected %s request: %s", c.typ, c.payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func ok(t *testing.T, c call, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.reply <- callResult{payload: data}
}

func issue(id string, priority int) types.Issue {
	return types.Issue{ID: id, Title: id, Status: types.StatusOpen, Priority: priority}
}

var allIssues = types.ListSpec{Type: types.SubAllIssues}

type subscribed struct {
	unsub func(context.Context) error
	err   error
}

func subscribeAsync(s *Store, id string, spec types.ListSpec) <-chan subscribed {
	done := make(chan subscribed, 1)
	go func() {
		unsub, err := s.SubscribeList(context.Background(), id, spec)
		done <- subscribed{unsub, err}
	}()
	return done
}

func TestSubscribeRoutesSnapshotBeforeReply(t *testing.T) {
	conn := newFakeConn()
	stores := issuestore.NewRegistry()
	s := New(conn, stores)
	defer s.Close()

	done := subscribeAsync(s, "tab:issues", allIssues)
	c := conn.next(t)
	require.Equal(t, rpc.MsgSubscribeList, c.typ)
	require.JSONEq(t, `{"id":"tab:issues","type":"all-issues"}`, string(c.payload))

	conn.push(t, rpc.MsgSnapshot, rpc.PushPayload{ID: "tab:issues", Revision: 1, Issues: []types.Issue{issue("UI-1", 1)}})
	store := stores.Get("tab:issues")
	require.NotNil(t, store)
	require.Equal(t, issuestore.Populated, store.State())

	ok(t, c, rpc.SubscribeResponse{ID: "tab:issues", Revision: 1, Issues: []types.Issue{issue("UI-1", 1)}})
	res := <-done
	require.NoError(t, res.err)

	conn.push(t, rpc.MsgUpsert, rpc.PushPayload{ID: "tab:issues", Revision: 2, Issue: &types.Issue{ID: "UI-1", Priority: 4}})
	require.Equal(t, 4, store.Snapshot()[0].Priority)
	require.EqualValues(t, 2, store.Revision())

	conn.push(t, rpc.MsgDelete, rpc.PushPayload{ID: "tab:issues", Revision: 3, IssueID: "UI-1"})
	require.Empty(t, store.Snapshot())

	// Unknown ids are dropped.
	conn.push(t, rpc.MsgUpsert, rpc.PushPayload{ID: "tab:other", Revision: 9, Issue: &types.Issue{ID: "UI-9"}})
	require.Nil(t, stores.Get("tab:other"))
}

func TestReplySnapshotAppliesWhenNewer(t *testing.T) {
	conn := newFakeConn()
	stores := issuestore.NewRegistry()
	s := New(conn, stores)
	defer s.Close()

	done := subscribeAsync(s, "detail", types.ListSpec{Type: types.SubIssueDetail, Params: types.SubscriptionParams{ID: "UI-1"}})
	c := conn.next(t)
	require.JSONEq(t, `{"id":"detail","type":"issue-detail","params":{"id":"UI-1"}}`, string(c.payload))

	// No push arrived; the reply snapshot populates the store.
	ok(t, c, rpc.SubscribeResponse{ID: "detail", Revision: 7, Issues: []types.Issue{issue("UI-1", 2)}})
	require.NoError(t, (<-done).err)

	store := stores.Get("detail")
	require.EqualValues(t, 7, store.Revision())
	require.Len(t, store.Snapshot(), 1)
}

func TestSubscribeFailureLeavesNothing(t *testing.T) {
	conn := newFakeConn()
	stores := issuestore.NewRegistry()
	s := New(conn, stores)
	defer s.Close()

	done := subscribeAsync(s, "tab", allIssues)
	c := conn.next(t)
	c.reply <- callResult{err: &transport.RemoteError{Type: rpc.MsgSubscribeList, Code: rpc.CodeBackendUnavailable}}

	res := <-done
	var remote *transport.RemoteError
	require.ErrorAs(t, res.err, &remote)
	require.Nil(t, res.unsub)
	require.Empty(t, s.IDs())
	require.Nil(t, stores.Get("tab"))
}

func TestResubscribeSameIDUnsubscribesFirst(t *testing.T) {
	conn := newFakeConn()
	stores := issuestore.NewRegistry()
	s := New(conn, stores)
	defer s.Close()

	done := subscribeAsync(s, "tab", allIssues)
	ok(t, conn.next(t), rpc.SubscribeResponse{ID: "tab", Revision: 1})
	require.NoError(t, (<-done).err)
	first := stores.Get("tab")

	done = subscribeAsync(s, "tab", allIssues)
	c := conn.next(t)
	require.Equal(t, rpc.MsgUnsubscribe, c.typ)
	require.JSONEq(t, `{"id":"tab"}`, string(c.payload))
	ok(t, c, rpc.UnsubscribeResponse{ID: "tab", Removed: true})

	c = conn.next(t)
	require.Equal(t, rpc.MsgSubscribeList, c.typ)
	ok(t, c, rpc.SubscribeResponse{ID: "tab", Revision: 2, Issues: []types.Issue{issue("UI-1", 1)}})
	require.NoError(t, (<-done).err)

	require.Same(t, first, stores.Get("tab"))
	require.Equal(t, []string{"tab"}, s.IDs())
	conn.expectNone(t)
}

func TestUnsubscribe(t *testing.T) {
	conn := newFakeConn()
	stores := issuestore.NewRegistry()
	s := New(conn, stores)
	defer s.Close()

	done := subscribeAsync(s, "tab", allIssues)
	ok(t, conn.next(t), rpc.SubscribeResponse{ID: "tab", Revision: 1})
	res := <-done
	require.NoError(t, res.err)

	errs := make(chan error, 1)
	go func() { errs <- res.unsub(context.Background()) }()
	c := conn.next(t)
	require.Equal(t, rpc.MsgUnsubscribe, c.typ)
	ok(t, c, rpc.UnsubscribeResponse{ID: "tab", Removed: true})
	require.NoError(t, <-errs)

	require.Nil(t, stores.Get("tab"))
	conn.push(t, rpc.MsgSnapshot, rpc.PushPayload{ID: "tab", Revision: 5})
	require.Nil(t, stores.Get("tab"))

	// A second call is a no-op.
	require.NoError(t, res.unsub(context.Background()))
	conn.expectNone(t)
}

func TestUnsubscribeWhileSubscribeInFlight(t *testing.T) {
	conn := newFakeConn()
	stores := issuestore.NewRegistry()
	s := New(conn, stores)
	defer s.Close()

	// The caller has no unsubscribe func yet; end the pending sub directly.
	done := subscribeAsync(s, "tab", allIssues)
	c := conn.next(t)

	s.mu.Lock()
	sb := s.subs["tab"]
	s.mu.Unlock()
	require.NoError(t, s.unsubscribe(context.Background(), sb, true))
	conn.expectNone(t)

	ok(t, c, rpc.SubscribeResponse{ID: "tab", Revision: 1})
	c = conn.next(t)
	require.Equal(t, rpc.MsgUnsubscribe, c.typ)
	ok(t, c, rpc.UnsubscribeResponse{ID: "tab", Removed: true})
	require.NoError(t, (<-done).err)
	require.Empty(t, s.IDs())
}

func TestReconnectResubscribesEachOnce(t *testing.T) {
	conn := newFakeConn()
	stores := issuestore.NewRegistry()
	s := New(conn, stores)
	defer s.Close()

	for _, id := range []string{"a", "b"} {
		done := subscribeAsync(s, id, allIssues)
		ok(t, conn.next(t), rpc.SubscribeResponse{ID: id, Revision: 1})
		require.NoError(t, (<-done).err)
	}

	// Plain opens and non-open states do nothing.
	conn.setState(transport.StateChange{State: transport.StateOpen})
	conn.setState(transport.StateChange{State: transport.StateReconnecting})
	conn.expectNone(t)

	conn.setState(transport.StateChange{State: transport.StateOpen, Reconnected: true})
	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		c := conn.next(t)
		require.Equal(t, rpc.MsgSubscribeList, c.typ)
		var args rpc.SubscribeArgs
		require.NoError(t, json.Unmarshal(c.payload, &args))
		seen[args.ID]++
		ok(t, c, rpc.SubscribeResponse{ID: args.ID, Revision: 2, Issues: []types.Issue{issue("UI-" + args.ID, 1)}})
	}
	require.Equal(t, map[string]int{"a": 1, "b": 1}, seen)
	conn.expectNone(t)

	require.Eventually(t, func() bool {
		return stores.Get("a").Revision() == 2 && stores.Get("b").Revision() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

// retryStore returns a Store whose resubscribe retries wait exactly one
// second on clk.
func retryStore(conn *fakeConn, stores *issuestore.Registry, clk *clock.Fake) *Store {
	return New(conn, stores,
		WithClock(clk),
		WithBackoff(transport.Backoff{Initial: time.Second, Factor: 1, Max: time.Second}),
	)
}

func TestFailedResubscribeIsRetried(t *testing.T) {
	conn := newFakeConn()
	stores := issuestore.NewRegistry()
	clk := clock.NewFake(time.Unix(0, 0))
	s := retryStore(conn, stores, clk)
	defer s.Close()

	done := subscribeAsync(s, "tab:issues", allIssues)
	ok(t, conn.next(t), rpc.SubscribeResponse{ID: "tab:issues", Revision: 1})
	require.NoError(t, (<-done).err)

	conn.setState(transport.StateChange{State: transport.StateOpen, Reconnected: true})
	c := conn.next(t)
	require.Equal(t, rpc.MsgSubscribeList, c.typ)
	c.reply <- callResult{err: &transport.RemoteError{Type: rpc.MsgSubscribeList, Code: rpc.CodeBackendUnavailable}}

	clk.WaitForTimers(1)
	conn.expectNone(t)
	require.Equal(t, []string{"tab:issues"}, s.IDs())

	// A further reconnect while the retry is pending does not double it.
	conn.setState(transport.StateChange{State: transport.StateOpen, Reconnected: true})
	conn.expectNone(t)

	clk.Advance(time.Second)
	c = conn.next(t)
	require.Equal(t, rpc.MsgSubscribeList, c.typ)
	require.JSONEq(t, `{"id":"tab:issues","type":"all-issues"}`, string(c.payload))
	ok(t, c, rpc.SubscribeResponse{ID: "tab:issues", Revision: 3, Issues: []types.Issue{issue("UI-1", 1)}})

	require.Eventually(t, func() bool {
		return stores.Get("tab:issues").Revision() == 3
	}, 5*time.Second, 10*time.Millisecond)
	conn.expectNone(t)
}

func TestUnsubscribeStopsResubscribeRetry(t *testing.T) {
	conn := newFakeConn()
	stores := issuestore.NewRegistry()
	clk := clock.NewFake(time.Unix(0, 0))
	s := retryStore(conn, stores, clk)
	defer s.Close()

	done := subscribeAsync(s, "tab", allIssues)
	ok(t, conn.next(t), rpc.SubscribeResponse{ID: "tab", Revision: 1})
	res := <-done
	require.NoError(t, res.err)

	conn.setState(transport.StateChange{State: transport.StateOpen, Reconnected: true})
	c := conn.next(t)
	c.reply <- callResult{err: &transport.RemoteError{Type: rpc.MsgSubscribeList, Code: rpc.CodeBackendUnavailable}}
	clk.WaitForTimers(1)

	// The server holds no attachment, so nothing is sent.
	require.NoError(t, res.unsub(context.Background()))
	require.Empty(t, s.IDs())
	require.Nil(t, stores.Get("tab"))

	clk.Advance(time.Second)
	conn.expectNone(t)
}
