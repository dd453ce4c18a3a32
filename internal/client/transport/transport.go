// Package transport is the client side of the bdui websocket protocol: one
// logical connection that reconnects with backoff, correlates requests to
// replies by id and hands server pushes to listeners.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/HerbCaudill/beads-ui-sub002/internal/clock"
	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
)

const (
	writeWait = 10 * time.Second

	// Server pings every 54s; missing two means the link is dead.
	readWait = 2 * time.Minute
)

var (
	// ErrConnectionLost rejects requests still pending when the connection drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrClosed rejects requests after Close.
	ErrClosed = errors.New("transport closed")
)

// RemoteError is a failed reply from the server.
type RemoteError struct {
	Type    rpc.MessageType
	Code    rpc.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Code, e.Message)
}

// State is the connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// StateChange is passed to state listeners. Reconnected is set on every
// transition to open that follows a disconnect.
type StateChange struct {
	State       State
	Reconnected bool
	Err         error
}

type result struct {
	payload json.RawMessage
	err     error
}

type listener struct {
	fn func(json.RawMessage)
}

type stateListener struct {
	fn func(StateChange)
}

// Client is a persistent connection to a bdui server. It is safe for
// concurrent use. Listeners run on the connection's read goroutine, in
// arrival order, and must not block on Send.
type Client struct {
	url     string
	dialer  *websocket.Dialer
	header  http.Header
	backoff Backoff
	clock   clock.Clock
	jitter  func() float64
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	ws             *websocket.Conn
	state          State
	closed         bool
	pending        map[string]chan result
	queue          [][]byte
	listeners      map[rpc.MessageType][]*listener
	stateListeners []*stateListener

	writeMu sync.Mutex
}

// Option customizes a Client.
type Option func(*Client)

// WithBackoff replaces DefaultBackoff.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithClock sets the clock used for backoff waits.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeader sets headers sent on every handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithLogger sets the transport logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Dial starts connecting to url in the background and returns immediately.
// Requests sent before the first connection are queued.
func Dial(url string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:       url,
		dialer:    websocket.DefaultDialer,
		backoff:   DefaultBackoff(),
		clock:     clock.Real(),
		jitter:    rand.Float64,
		log:       logging.WithComponent("transport"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateConnecting,
		pending:   make(map[string]chan result),
		listeners: make(map[rpc.MessageType][]*listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send issues a request and waits for its reply payload. A failed reply
// returns *RemoteError. Requests pending when the connection drops fail
// with ErrConnectionLost and are not retried.
func (c *Client) Send(ctx context.Context, typ rpc.MessageType, payload interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		raw = data
	}
	id := ulid.Make().String()
	frame, err := json.Marshal(rpc.Request{ID: id, Type: typ, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", typ, err)
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	ws := c.ws
	if ws == nil {
		c.queue = append(c.queue, frame)
	}
	c.mu.Unlock()

	if ws != nil {
		if err := c.write(ws, frame); err != nil {
			// The read loop sees the same failure and rejects pending.
			c.log.Debug().Err(err).Str("type", string(typ)).Msg("write failed")
		}
	}

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// On registers fn for pushes of type typ. The returned func removes exactly
// this registration.
func (c *Client) On(typ rpc.MessageType, fn func(payload json.RawMessage)) func() {
	l := &listener{fn: fn}
	c.mu.Lock()
	c.listeners[typ] = append(c.listeners[typ], l)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.listeners[typ]
			for i, existing := range list {
				if existing == l {
					c.listeners[typ] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// OnState registers fn for connection state changes.
func (c *Client) OnState(fn func(StateChange)) func() {
	l := &stateListener{fn: fn}
	c.mu.Lock()
	c.stateListeners = append(c.stateListeners, l)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, existing := range c.stateListeners {
				if existing == l {
					c.stateListeners = append(c.stateListeners[:i:i], c.stateListeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Close stops reconnecting, rejects pending requests with ErrClosed and
// waits for the connection goroutine. Do not call it from a listener.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	for _, ch := range pending {
		ch <- result{err: ErrClosed}
	}
	<-c.done

	c.setState(StateChange{State: StateClosed})
	return nil
}

func (c *Client) run() {
	defer close(c.done)

	attempt := 0
	dropped := false
	for {
		ws, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			delay := c.backoff.Delay(attempt, c.jitter())
			attempt++
			c.log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("dial failed")
			if !c.sleep(delay) {
				return
			}
			continue
		}

		attempt = 0
		err = c.serve(ws, dropped)
		if c.ctx.Err() != nil {
			return
		}
		dropped = true
		c.log.Info().Err(err).Msg("connection lost, reconnecting")
		c.setState(StateChange{State: StateReconnecting, Err: err})

		delay := c.backoff.Delay(attempt, c.jitter())
		attempt++
		if !c.sleep(delay) {
			return
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-c.clock.After(d):
		return true
	}
}

// serve runs one connection until it drops. Queued requests are flushed
// before any new Send can write.
func (c *Client) serve(ws *websocket.Conn, reconnected bool) error {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.ws = ws
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, frame := range queued {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			break
		}
	}
	c.writeMu.Unlock()

	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	c.setState(StateChange{State: StateOpen, Reconnected: reconnected})

	var err error
	for {
		var data []byte
		_, data, err = ws.ReadMessage()
		if err != nil {
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		c.dispatch(data)
	}

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()
	_ = ws.Close()

	for _, ch := range pending {
		ch <- result{err: ErrConnectionLost}
	}
	return err
}

func (c *Client) write(ws *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) dispatch(data []byte) {
	var msg rpc.Reply
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	if msg.Type.IsPush() {
		c.mu.Lock()
		list := append([]*listener(nil), c.listeners[msg.Type]...)
		c.mu.Unlock()
		for _, l := range list {
			l.fn(msg.Payload)
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("id", msg.ID).Str("type", string(msg.Type)).Msg("reply for unknown request")
		return
	}
	if msg.OK {
		ch <- result{payload: msg.Payload}
		return
	}
	remote := &RemoteError{Type: msg.Type, Code: rpc.CodeInternal, Message: "request failed"}
	if msg.Error != nil {
		remote.Code = msg.Error.Code
		remote.Message = msg.Error.Message
	}
	ch <- result{err: remote}
}

func (c *Client) setState(change StateChange) {
	c.mu.Lock()
	c.state = change.State
	list := append([]*stateListener(nil), c.stateListeners...)
	c.mu.Unlock()
	for _, l := range list {
		l.fn(change)
	}
}
