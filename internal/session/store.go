package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codepair/collab-engine/internal/metrics"
	"github.com/codepair/collab-engine/pkg/core"
)

// entry is the authoritative state of one live session. Its mutex serializes
// every operation on that session; operations on different sessions contend
// only on the store's read lock.
type entry struct {
	mu           sync.Mutex
	id           string
	code         string
	language     core.Language
	participants map[string]struct{}
	createdAt    time.Time

	// deleted marks an entry that has been removed from the store map while
	// another goroutine still holds a reference to it.
	deleted bool
}

// Store is the single source of truth for session state. It embeds the
// membership tracking and drives the expiry scheduler: membership transitions
// arm and cancel deletions atomically with the mutation itself.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	sched    *Scheduler
	logger   *slog.Logger
	closed   bool
}

// NewStore creates an empty store whose sessions expire after the given
// window of continuous emptiness.
func NewStore(window time.Duration, logger *slog.Logger) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		logger:   logger,
	}
	s.sched = NewScheduler(window, s.expire, logger.With("component", "expiry"))
	return s
}

// Scheduler exposes the store's expiry scheduler, mainly so the config
// watcher can retune the window at runtime.
func (s *Store) Scheduler() *Scheduler {
	return s.sched
}

// Create allocates a new session seeded with the javascript starter template
// and returns its id. The session starts empty and therefore with its expiry
// armed. Create fails only once the store is closed.
func (s *Store) Create() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", core.ErrStoreClosed
	}

	var id string
	for {
		var err error
		id, err = newID()
		if err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		// Collisions are vanishingly unlikely at 64^10 ids, but detection is
		// free here, so retry rather than clobber a live session.
		if _, taken := s.sessions[id]; !taken {
			break
		}
		s.logger.Warn("session id collision, regenerating", "session_id", id)
	}

	s.sessions[id] = &entry{
		id:           id,
		code:         core.DefaultTemplate(core.LangJavaScript),
		language:     core.LangJavaScript,
		participants: make(map[string]struct{}),
		createdAt:    time.Now().UTC(),
	}
	// A fresh session is empty, so it is already inside its expiry window.
	// Without this a session nobody ever joins would live forever; the first
	// join cancels the timer.
	s.sched.Arm(id)

	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Inc()
	s.logger.Info("session created", "session_id", id)
	return id, nil
}

// Get returns a snapshot of the session, or core.ErrSessionNotFound.
func (s *Store) Get(id string) (core.Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return core.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return core.Snapshot{}, core.ErrSessionNotFound
	}
	return core.Snapshot{
		ID:               e.id,
		Code:             e.code,
		Language:         e.language,
		ParticipantCount: len(e.participants),
		CreatedAt:        e.createdAt,
	}, nil
}

// SetCode replaces the shared buffer, last write wins. Unknown ids are
// silently ignored.
func (s *Store) SetCode(id, code string) {
	e, err := s.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return
	}
	e.code = code
}

// SetLanguage replaces the language tag. Validation against the supported set
// is the caller's responsibility. Unknown ids are silently ignored.
func (s *Store) SetLanguage(id string, lang core.Language) {
	e, err := s.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return
	}
	e.language = lang
}

// AddParticipant registers a connection with the session, cancelling any
// pending expiry. Adding an already-present connection is idempotent. The
// returned count is the membership size after the add; ok is false when the
// session does not exist.
func (s *Store) AddParticipant(id, connID string) (count int, ok bool) {
	e, err := s.lookup(id)
	if err != nil {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return 0, false
	}
	e.participants[connID] = struct{}{}
	s.sched.Cancel(id)
	return len(e.participants), true
}

// RemoveParticipant drops a connection from the session. Removing an absent
// connection is a no-op. When the session transitions to empty, its deletion
// is armed on the scheduler. The returned count is the membership size after
// the removal.
func (s *Store) RemoveParticipant(id, connID string) int {
	e, err := s.lookup(id)
	if err != nil {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return 0
	}
	if _, present := e.participants[connID]; !present {
		return len(e.participants)
	}
	delete(e.participants, connID)
	if len(e.participants) == 0 {
		s.sched.Arm(id)
	}
	return len(e.participants)
}

// ParticipantCount returns the current membership size, 0 for unknown ids.
func (s *Store) ParticipantCount(id string) int {
	e, err := s.lookup(id)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return 0
	}
	return len(e.participants)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Delete force-removes a session regardless of membership, disarming any
// pending expiry. Subsequent lookups fail; connected participants simply stop
// receiving broadcasts for it.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.sessions[id]
	if !exists {
		return
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	delete(s.sessions, id)
	s.sched.Cancel(id)
	metrics.ActiveSessions.Dec()
	s.logger.Info("session deleted", "session_id", id)
}

// expire is the scheduler's deletion callback. It deletes the session only if
// it is still empty; a join that raced the timer wins.
func (s *Store) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.sessions[id]
	if !exists {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.participants) > 0 {
		s.logger.Debug("expiry skipped, session regained participants", "session_id", id)
		return
	}
	e.deleted = true
	delete(s.sessions, id)
	metrics.SessionsExpired.Inc()
	metrics.ActiveSessions.Dec()
	s.logger.Info("session expired", "session_id", id)
}

// Close tears the store down: all pending expiries are disarmed and all
// sessions dropped. Every operation after Close fails or no-ops.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.sched.Stop()
	for id, e := range s.sessions {
		e.mu.Lock()
		e.deleted = true
		e.mu.Unlock()
		delete(s.sessions, id)
		metrics.ActiveSessions.Dec()
	}
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}
	e, exists := s.sessions[id]
	if !exists {
		return nil, core.ErrSessionNotFound
	}
	return e, nil
}
