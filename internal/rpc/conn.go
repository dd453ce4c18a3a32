package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/HerbCaudill/beads-ui-sub002/internal/metrics"
	"github.com/HerbCaudill/beads-ui-sub002/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

func newPushID() string {
	return ulid.Make().String()
}

// conn is one websocket client. Subscription requests run in arrival order
// on the read loop; everything else runs on its own goroutine. A single
// writer drains the outbound queue, and a full queue closes the connection.
type conn struct {
	srv *Server
	ws  *websocket.Conn
	id  string
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte

	closeOnce sync.Once
	handlers  sync.WaitGroup

	mu   sync.Mutex
	subs map[string]string // client subscription id -> registry key
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := ulid.Make().String()
	return &conn{
		srv:    s,
		ws:     ws,
		id:     id,
		log:    s.log.With().Str("conn", id).Logger(),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, s.queueSize),
		subs:   make(map[string]string),
	}
}

// run serves the connection until either side goes away.
func (c *conn) run() {
	c.log.Debug().Str("remote", c.ws.RemoteAddr().String()).Msg("connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()
	c.close()
	c.handlers.Wait()
	<-writerDone
	c.detachAll()

	c.log.Debug().Msg("connection closed")
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		req, err := DecodeRequest(data)
		if err != nil {
			c.send(errorReply(req, toError(err)))
			continue
		}

		switch req.Type {
		case MsgSubscribeList, MsgUnsubscribe:
			c.send(c.srv.handleRequest(c.ctx, c, &req))
		default:
			c.handlers.Add(1)
			go func() {
				defer c.handlers.Done()
				c.send(c.srv.handleRequest(c.ctx, c, &req))
			}()
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				// a write deadline cannot be recovered
				c.log.Debug().Err(err).Msg("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// send queues reply without blocking. It is called with registry locks
// held, so a full queue disconnects the client instead of waiting.
func (c *conn) send(reply Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(reply.Type)).Msg("encoding reply")
		return
	}
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.out <- data:
	default:
		metrics.SlowConsumerDisconnects.Inc()
		c.log.Warn().Int("queue", cap(c.out)).Msg("outbound queue full, closing slow consumer")
		c.close()
	}
}

// subscriberID scopes a client subscription id to this connection.
func (c *conn) subscriberID(clientID string) string {
	return c.id + "/" + clientID
}

func (c *conn) detachAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]string)
	c.mu.Unlock()

	for clientID, key := range subs {
		if err := c.srv.registry.Detach(c.subscriberID(clientID), key); err != nil {
			c.log.Debug().Err(err).Str("subscription", clientID).Msg("detach on close")
		}
	}
}

// subscription adapts registry pushes to wire pushes for one client id.
type subscription struct {
	c  *conn
	id string
}

func (s *subscription) Deliver(p registry.Push) {
	payload := PushPayload{ID: s.id, Revision: p.Revision}
	var typ MessageType
	switch p.Kind {
	case registry.EventSnapshot:
		typ = MsgSnapshot
		payload.Issues = p.Issues
	case registry.EventUpsert:
		typ = MsgUpsert
		payload.Issues = p.Issues
		if len(p.Issues) == 1 {
			issue := p.Issues[0]
			payload.Issue = &issue
		}
	case registry.EventDelete:
		typ = MsgDelete
		payload.IssueIDs = p.IssueIDs
		if len(p.IssueIDs) == 1 {
			payload.IssueID = p.IssueIDs[0]
		}
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.c.log.Error().Err(err).Msg("encoding push")
		return
	}
	s.c.send(Reply{ID: newPushID(), OK: true, Type: typ, Payload: data})
}
