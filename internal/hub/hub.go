package hub

import (
	"log/slog"
	"sync"

	"github.com/codepair/collab-engine/internal/metrics"
	"github.com/codepair/collab-engine/pkg/protocol"
)

// Sender is one registered recipient of session broadcasts. Send must not
// block; it reports false when the message could not be queued (connection
// gone or too slow), which the hub treats as a silent drop.
type Sender interface {
	ID() string
	Send(msg protocol.ServerMessage) bool
}

// room is the broadcast domain of one session. Its mutex is the per-session
// serialization point: two broadcasts for the same session are queued to
// every recipient in the same relative order.
type room struct {
	mu    sync.Mutex
	conns map[string]Sender
}

// Hub routes events to the connections of a session. It holds no session
// state of its own; everything it delivers is handed to it by the dispatcher.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	logger *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]*room),
		logger: logger,
	}
}

// Register adds a sender to a session's broadcast domain. The hub lock is
// held across the whole operation so a concurrent Unregister cannot prune the
// room between creation and the sender insert.
func (h *Hub) Register(sessionID string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, exists := h.rooms[sessionID]
	if !exists {
		r = &room{conns: make(map[string]Sender)}
		h.rooms[sessionID] = r
	}

	r.mu.Lock()
	r.conns[s.ID()] = s
	r.mu.Unlock()
}

// Unregister removes a sender from a session's broadcast domain. Empty rooms
// are pruned. Unknown session or connection ids are no-ops.
func (h *Hub) Unregister(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, exists := h.rooms[sessionID]
	if !exists {
		return
	}

	r.mu.Lock()
	delete(r.conns, connID)
	empty := len(r.conns) == 0
	r.mu.Unlock()

	if empty {
		delete(h.rooms, sessionID)
	}
}

// Broadcast delivers msg to every connection registered for the session,
// skipping excludeConnID when non-empty. Delivery to a recipient that has
// gone away is dropped, never an error.
func (h *Hub) Broadcast(sessionID string, msg protocol.ServerMessage, excludeConnID string) {
	h.mu.RLock()
	r, exists := h.rooms[sessionID]
	h.mu.RUnlock()
	if !exists {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.conns {
		if id == excludeConnID {
			continue
		}
		if !s.Send(msg) {
			metrics.BroadcastsDropped.Inc()
			h.logger.Debug("broadcast dropped", "session_id", sessionID, "conn_id", id, "event", msg.Event)
		}
	}
}

// Size returns the number of senders registered for a session.
func (h *Hub) Size(sessionID string) int {
	h.mu.RLock()
	r, exists := h.rooms[sessionID]
	h.mu.RUnlock()
	if !exists {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
