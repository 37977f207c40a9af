package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"quire/api/internal/session"
	"quire/api/internal/wire"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReplyQueue = 16
)

func (s *HTTPServer) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return s.corsOrigin == "*" || origin == "" || origin == s.corsOrigin
		},
	}
}

// wsConn serves one actor. All writes happen on the write loop. Everything
// tied to a log position, acks included, arrives in order on the
// subscription; the read loop hands position-free replies (rejects, pongs)
// over through replies.
type wsConn struct {
	server  *HTTPServer
	conn    *websocket.Conn
	sub     *session.Subscription
	replies chan wire.Envelope
	done    chan struct{}
	// written is closed when the write loop exits.
	written chan struct{}
}

// serveWS authorizes and subscribes before upgrading, so refusals are
// plain HTTP errors.
func (s *HTTPServer) serveWS(w http.ResponseWriter, r *http.Request, identity session.Identity, documentID string) {
	coord := s.service.Coordinator()
	sub, err := coord.Connect(r.Context(), documentID, identity, r.URL.Query().Get("actorId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade %s: %v", documentID, err)
		coord.Disconnect(sub)
		return
	}

	c := &wsConn{
		server:  s,
		conn:    conn,
		sub:     sub,
		replies: make(chan wire.Envelope, wsReplyQueue),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go func() {
		defer close(c.written)
		c.writeLoop()
	}()
	c.readLoop(ctx)

	close(c.done)
	coord.Disconnect(sub)
	<-c.written
	_ = conn.Close()
}

func (c *wsConn) readLoop(ctx context.Context) {
	coord := c.server.service.Coordinator()
	c.conn.SetReadLimit(maxOpBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws: read %s/%s: %v", c.sub.DocumentID, c.sub.ActorID, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			c.reject("", err)
			continue
		}
		switch env.Type {
		case wire.TypeSubmit:
			c.submit(ctx, env)
		case wire.TypeCursor:
			if env.Cursor == nil {
				c.rejectCode("", "INVALID_MESSAGE", "cursor is required")
				continue
			}
			if err := coord.Cursor(ctx, c.sub, env.Cursor.BlockID, env.Cursor.Offset); err != nil {
				c.reject("", err)
			}
		case wire.TypePing:
			if err := coord.Heartbeat(ctx, c.sub); err != nil {
				c.reject("", err)
				continue
			}
			c.reply(wire.NewEnvelope(wire.TypePong))
		default:
			c.rejectCode("", "INVALID_MESSAGE", "unknown message type "+env.Type)
		}
	}
}

func (c *wsConn) submit(ctx context.Context, env wire.Envelope) {
	if env.Op == nil {
		c.rejectCode("", "INVALID_MESSAGE", "op is required")
		return
	}
	op, err := env.Op.Operation()
	if err != nil {
		c.reject(env.Op.ID, err)
		return
	}
	if _, err := c.server.service.SubmitFrom(ctx, c.sub, op); err != nil {
		c.reject(op.ID, err)
	}
}

func (c *wsConn) reject(opID string, err error) {
	_, code, message, _ := mapError(err)
	c.rejectCode(opID, code, message)
}

func (c *wsConn) rejectCode(opID, code, message string) {
	out := wire.NewEnvelope(wire.TypeReject)
	out.Reject = &wire.Reject{OpID: opID, Code: code, Message: message}
	c.reply(out)
}

func (c *wsConn) reply(env wire.Envelope) {
	select {
	case c.replies <- env:
	case <-c.written:
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	events := c.sub.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.closeFor(c.sub.Err())
				return
			}
			if err := c.write(eventEnvelope(ev, c.sub.ActorID)); err != nil {
				_ = c.conn.Close()
				return
			}
		case env := <-c.replies:
			if err := c.write(env); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) write(env wire.Envelope) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(env)
}

// closeFor ends the connection after the subscription stopped delivering.
func (c *wsConn) closeFor(err error) {
	code, reason := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(err, session.ErrSlowSubscriber):
		code, reason = websocket.ClosePolicyViolation, "too slow; reconnect"
	case errors.Is(err, session.ErrClosed):
		code, reason = websocket.CloseGoingAway, "server shutting down"
	case err != nil:
		code, reason = websocket.CloseInternalServerErr, "session ended"
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = c.conn.Close()
}

func eventEnvelope(ev session.Event, actorID string) wire.Envelope {
	var env wire.Envelope
	switch ev.Kind {
	case session.EventSnapshot:
		env = wire.NewEnvelope(wire.TypeSnapshot)
		env.Snapshot = ev.Snapshot
		env.Online = ev.Online
		env.ActorID = actorID
	case session.EventDelta:
		env = wire.NewEnvelope(wire.TypeDelta)
		env.Delta = ev.Delta
	case session.EventPresence:
		env = wire.NewEnvelope(wire.TypePresence)
		env.Presence = ev.Presence
	case session.EventPresenceLeft:
		env = wire.NewEnvelope(wire.TypePresenceLeft)
		env.Presence = ev.Presence
	case session.EventAck:
		env = wire.NewEnvelope(wire.TypeAck)
		env.OpID = ev.Ack.OpID
		env.Delta = ev.Ack.Delta
		env.Discarded = ev.Ack.Discarded
	}
	env.Position = uint64(ev.Position)
	return env
}
