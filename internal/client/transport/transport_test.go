package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/HerbCaudill/beads-ui-sub002/internal/clock"
	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
)

// fakeServer hands every accepted websocket to the test.
type fakeServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- ws
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-fs.conns:
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func readRequest(t *testing.T, ws *websocket.Conn) rpc.Request {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var req rpc.Request
	require.NoError(t, ws.ReadJSON(&req))
	return req
}

func writeReply(t *testing.T, ws *websocket.Conn, reply rpc.Reply) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(reply))
}

func awaitState(t *testing.T, states <-chan StateChange, want State) StateChange {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ch := <-states:
			if ch.State == want {
				return ch
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

func recordStates(c *Client) <-chan StateChange {
	states := make(chan StateChange, 32)
	c.OnState(func(ch StateChange) { states <- ch })
	return states
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Factor: 2, Max: 30 * time.Second, Jitter: 0.2}

	require.Equal(t, time.Second, b.Delay(0, 0.5))
	require.Equal(t, 2*time.Second, b.Delay(1, 0.5))
	require.Equal(t, 16*time.Second, b.Delay(4, 0.5))
	require.Equal(t, 30*time.Second, b.Delay(10, 0.5))

	require.InDelta(t, float64(800*time.Millisecond), float64(b.Delay(0, 0)), float64(time.Millisecond))
	require.InDelta(t, float64(1200*time.Millisecond), float64(b.Delay(0, 0.999999)), float64(time.Millisecond))
	require.LessOrEqual(t, b.Delay(10, 0.99), 30*time.Second)

	require.Equal(t, time.Second, DefaultBackoff().Delay(0, 0.5))
}

func TestSendCorrelatesRepliesById(t *testing.T) {
	fs := newFakeServer(t)
	c := Dial(fs.url())
	defer c.Close()
	ws := fs.accept(t)

	type answer struct {
		payload json.RawMessage
		err     error
	}
	first, second := make(chan answer, 1), make(chan answer, 1)
	go func() {
		p, err := c.Send(context.Background(), rpc.MsgPing, rpc.PingArgs{ClientVersion: "0.3.0"})
		first <- answer{p, err}
	}()
	reqA := readRequest(t, ws)
	go func() {
		p, err := c.Send(context.Background(), rpc.MsgGetWorkspace, nil)
		second <- answer{p, err}
	}()
	reqB := readRequest(t, ws)

	require.NotEqual(t, reqA.ID, reqB.ID)
	require.Len(t, reqA.ID, 26, "ids are ULIDs")
	require.JSONEq(t, `{"client_version":"0.3.0"}`, string(reqA.Payload))

	// Answer out of order.
	writeReply(t, ws, rpc.Reply{ID: reqB.ID, OK: true, Type: reqB.Type, Payload: json.RawMessage(`"b"`)})
	writeReply(t, ws, rpc.Reply{ID: reqA.ID, OK: true, Type: reqA.Type, Payload: json.RawMessage(`"a"`)})

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	require.Equal(t, `"a"`, string(a.payload))
	require.Equal(t, `"b"`, string(b.payload))
}

func TestSendReturnsRemoteError(t *testing.T) {
	fs := newFakeServer(t)
	c := Dial(fs.url())
	defer c.Close()
	ws := fs.accept(t)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), rpc.MsgUpdateStatus, map[string]string{"id": "UI-9"})
		errs <- err
	}()
	req := readRequest(t, ws)
	writeReply(t, ws, rpc.Reply{ID: req.ID, Type: req.Type, Error: &rpc.ErrorBody{Code: rpc.CodeNotFound, Message: "issue UI-9 not found"}})

	var remote *RemoteError
	require.ErrorAs(t, <-errs, &remote)
	require.Equal(t, rpc.CodeNotFound, remote.Code)
	require.Equal(t, rpc.MsgUpdateStatus, remote.Type)
}

func TestSendHonorsContext(t *testing.T) {
	fs := newFakeServer(t)
	c := Dial(fs.url())
	defer c.Close()
	ws := fs.accept(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, rpc.MsgPing, nil)
		errs <- err
	}()
	req := readRequest(t, ws)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	// A late reply for the abandoned request is ignored.
	writeReply(t, ws, rpc.Reply{ID: req.ID, OK: true, Type: req.Type})
}

func TestPushListeners(t *testing.T) {
	fs := newFakeServer(t)
	c := Dial(fs.url())
	defer c.Close()
	ws := fs.accept(t)

	got := make(chan string, 8)
	offA := c.On(rpc.MsgUpsert, func(p json.RawMessage) { got <- "a:" + string(p) })
	c.On(rpc.MsgUpsert, func(p json.RawMessage) { got <- "b:" + string(p) })
	c.On(rpc.MsgDelete, func(p json.RawMessage) { got <- "del:" + string(p) })

	writeReply(t, ws, rpc.Reply{ID: "p1", OK: true, Type: rpc.MsgUpsert, Payload: json.RawMessage(`1`)})
	require.Equal(t, "a:1", <-got)
	require.Equal(t, "b:1", <-got)

	offA()
	offA()
	writeReply(t, ws, rpc.Reply{ID: "p2", OK: true, Type: rpc.MsgUpsert, Payload: json.RawMessage(`2`)})
	writeReply(t, ws, rpc.Reply{ID: "p3", OK: true, Type: rpc.MsgDelete, Payload: json.RawMessage(`3`)})
	require.Equal(t, "b:2", <-got)
	require.Equal(t, "del:3", <-got)
}

func TestDropRejectsPendingAndReconnects(t *testing.T) {
	fs := newFakeServer(t)
	fake := clock.NewFake(time.Unix(0, 0))
	c := Dial(fs.url(), WithClock(fake), WithBackoff(Backoff{Initial: time.Second, Factor: 2, Max: 4 * time.Second}))
	defer c.Close()
	states := recordStates(c)

	ws := fs.accept(t)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 5*time.Second, 10*time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), rpc.MsgListIssues, nil)
		errs <- err
	}()
	readRequest(t, ws)
	require.NoError(t, ws.Close())

	require.ErrorIs(t, <-errs, ErrConnectionLost)
	awaitState(t, states, StateReconnecting)
	require.Equal(t, StateReconnecting, c.State())

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	fs.accept(t)
	open := awaitState(t, states, StateOpen)
	require.True(t, open.Reconnected)
}

func TestQueuedUntilConnected(t *testing.T) {
	fs := newFakeServer(t)
	c := Dial(fs.url())
	defer c.Close()

	// Sent before the handshake completes or right after; either way it
	// must arrive exactly once.
	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), rpc.MsgPing, nil)
		errs <- err
	}()
	ws := fs.accept(t)
	req := readRequest(t, ws)
	writeReply(t, ws, rpc.Reply{ID: req.ID, OK: true, Type: req.Type})
	require.NoError(t, <-errs)
}

func TestCloseRejectsPending(t *testing.T) {
	fs := newFakeServer(t)
	c := Dial(fs.url())
	states := recordStates(c)
	ws := fs.accept(t)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), rpc.MsgPing, nil)
		errs <- err
	}()
	readRequest(t, ws)

	require.NoError(t, c.Close())
	require.ErrorIs(t, <-errs, ErrClosed)
	awaitState(t, states, StateClosed)

	_, err := c.Send(context.Background(), rpc.MsgPing, nil)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, c.Close())
}
