package ws

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codepair/collab-engine/internal/hub"
	"github.com/codepair/collab-engine/internal/logging"
	"github.com/codepair/collab-engine/internal/metrics"
	"github.com/codepair/collab-engine/internal/session"
	"github.com/codepair/collab-engine/pkg/core"
	"github.com/codepair/collab-engine/pkg/protocol"
)

type connState int

const (
	stateUnjoined connState = iota
	stateJoined
	stateClosed
)

// connection is the dispatcher's per-connection state machine. It is only
// ever touched by the connection's read loop, so it needs no locking.
type connection struct {
	client    *Client
	state     connState
	sessionID string
}

const sessionStripes = 64

// Dispatcher validates inbound events, applies them to the session store and
// routes the resulting broadcasts. It holds no session state itself; every
// mutation goes through the store.
type Dispatcher struct {
	store  *session.Store
	hub    *hub.Hub
	logger *slog.Logger
	events *logging.EventLogger

	// order serializes a session's store mutation with the submission of the
	// broadcast it produces. Store commit order and broadcast order must
	// agree, or participants end up displaying a buffer the store no longer
	// holds. Sessions are hashed onto a fixed set of locks so there is
	// nothing to clean up when a session ends; a collision merely serializes
	// two unrelated sessions.
	order [sessionStripes]sync.Mutex
}

func (d *Dispatcher) sessionLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &d.order[h.Sum32()%sessionStripes]
}

func NewDispatcher(store *session.Store, h *hub.Hub, logger *slog.Logger, events *logging.EventLogger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		hub:    h,
		logger: logger,
		events: events,
	}
}

// Serve drives a connection until it disconnects. It blocks; the caller runs
// it on the connection's handler goroutine while writePump runs on its own.
func (d *Dispatcher) Serve(c *Client) {
	conn := &connection{client: c, state: stateUnjoined}
	defer d.disconnect(conn)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				d.logger.Debug("read error", "conn_id", c.ID(), "error", err)
			}
			return
		}
		d.handleMessage(conn, raw)
	}
}

func (d *Dispatcher) handleMessage(conn *connection, raw []byte) {
	c := conn.client

	msg, err := protocol.Decode(raw)
	if err != nil {
		metrics.MalformedMessages.Inc()
		d.logger.Debug("rejected frame", "conn_id", c.ID(), "error", err)
		c.Send(protocol.Error(err.Error()))
		return
	}

	metrics.MessagesReceived.WithLabelValues(msg.Event).Inc()
	d.events.Inbound(c.ID(), msg.SessionID, msg.Event, len(raw))

	if msg.Event == protocol.EventJoin {
		d.handleJoin(conn, msg.SessionID)
		return
	}

	// Everything else requires a joined connection addressing its own
	// session.
	if conn.state != stateJoined {
		c.Send(protocol.Error("join a session first"))
		return
	}
	if msg.SessionID != conn.sessionID {
		c.Send(protocol.Error("not joined to that session"))
		return
	}

	switch msg.Event {
	case protocol.EventCodeChange:
		d.handleCodeChange(conn, *msg.Code)
	case protocol.EventLanguageChange:
		d.handleLanguageChange(conn, msg.Language)
	case protocol.EventCursorChange:
		d.hub.Broadcast(conn.sessionID, protocol.CursorUpdate(c.ID(), msg.Position), c.ID())
	}
}

func (d *Dispatcher) handleJoin(conn *connection, sessionID string) {
	c := conn.client

	// A connection belongs to at most one session; joining another one
	// implicitly leaves the current one first. leave takes its own session
	// lock, so it must finish before the new session's lock is acquired.
	if conn.state == stateJoined && conn.sessionID != sessionID {
		d.leave(conn)
	}

	mu := d.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	count, ok := d.store.AddParticipant(sessionID, c.ID())
	if !ok {
		c.Send(protocol.JoinError("Session not found"))
		return
	}
	d.hub.Register(sessionID, c)
	conn.state = stateJoined
	conn.sessionID = sessionID

	snap, err := d.store.Get(sessionID)
	if err != nil {
		// The session was force-deleted between the add and the read.
		if !errors.Is(err, core.ErrSessionNotFound) {
			d.logger.Error("snapshot read failed", "session_id", sessionID, "error", err)
		}
		d.hub.Unregister(sessionID, c.ID())
		conn.state = stateUnjoined
		conn.sessionID = ""
		c.Send(protocol.JoinError("Session not found"))
		return
	}

	c.Send(protocol.Joined(snap))
	d.hub.Broadcast(sessionID, protocol.ParticipantCount(count), c.ID())

	d.logger.Info("participant joined", "session_id", sessionID, "conn_id", c.ID(), "participants", count)
}

func (d *Dispatcher) handleCodeChange(conn *connection, code string) {
	mu := d.sessionLock(conn.sessionID)
	mu.Lock()
	defer mu.Unlock()

	d.store.SetCode(conn.sessionID, code)
	d.hub.Broadcast(conn.sessionID, protocol.CodeUpdate(code), conn.client.ID())
}

func (d *Dispatcher) handleLanguageChange(conn *connection, language string) {
	lang := core.Language(language)
	if !lang.IsValid() {
		conn.client.Send(protocol.Error("unsupported language: " + language))
		return
	}

	mu := d.sessionLock(conn.sessionID)
	mu.Lock()
	defer mu.Unlock()

	d.store.SetLanguage(conn.sessionID, lang)

	// A language switch is an authoritative reset: the buffer is replaced by
	// the language's starter template, and both updates go to every
	// participant, the sender included, so its editor reflects the reset
	// rather than whatever it had staged locally. The session lock keeps a
	// concurrent edit from landing between the pair.
	tmpl := core.DefaultTemplate(lang)
	d.store.SetCode(conn.sessionID, tmpl)
	d.hub.Broadcast(conn.sessionID, protocol.LanguageUpdate(lang), "")
	d.hub.Broadcast(conn.sessionID, protocol.CodeUpdate(tmpl), "")
}

// leave removes the connection from its current session and tells the
// remaining participants about the new count.
func (d *Dispatcher) leave(conn *connection) {
	c := conn.client
	mu := d.sessionLock(conn.sessionID)
	mu.Lock()
	d.hub.Unregister(conn.sessionID, c.ID())
	count := d.store.RemoveParticipant(conn.sessionID, c.ID())
	d.hub.Broadcast(conn.sessionID, protocol.ParticipantCount(count), "")
	mu.Unlock()
	d.logger.Info("participant left", "session_id", conn.sessionID, "conn_id", c.ID(), "participants", count)
	conn.state = stateUnjoined
	conn.sessionID = ""
}

func (d *Dispatcher) disconnect(conn *connection) {
	if conn.state == stateJoined {
		d.leave(conn)
	}
	conn.state = stateClosed
	conn.client.close()
}
