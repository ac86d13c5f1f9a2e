package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codepair/collab-engine/internal/logging"
	"github.com/codepair/collab-engine/internal/metrics"
	"github.com/codepair/collab-engine/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// The whole buffer travels in a single codeChange frame.
	maxMessageSize = 1 << 20

	sendBufferSize = 64
)

// Client wraps one websocket connection. Outbound messages go through a
// buffered channel drained by writePump so that broadcasts never block on a
// slow peer.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan protocol.ServerMessage
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
	events *logging.EventLogger
}

func newClient(conn *websocket.Conn, logger *slog.Logger, events *logging.EventLogger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan protocol.ServerMessage, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger.With("conn_id", id),
		events: events,
	}
}

// ID returns the connection identifier carried in cursorUpdate events.
func (c *Client) ID() string { return c.id }

// Send queues a message for delivery. It reports false when the connection is
// closed or the peer is too slow to drain its buffer; the caller drops the
// message either way.
func (c *Client) Send(msg protocol.ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// close releases the write pump. Safe to call more than once.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// writePump serializes all writes to the connection: queued messages and
// keepalive pings. It owns the write side; nothing else may write.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
			metrics.MessagesSent.Inc()
			c.events.Outbound(c.id, msg.Event)
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
