package session

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler owns every pending session deletion. A session id has at most one
// live timer: Arm replaces an existing timer, Cancel disarms it. The expire
// callback is responsible for re-checking that the session is still empty
// before deleting anything.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	window  time.Duration
	expire  func(id string)
	logger  *slog.Logger
	stopped bool
}

func NewScheduler(window time.Duration, expire func(id string), logger *slog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		window: window,
		expire: expire,
		logger: logger,
	}
}

// Arm schedules id for deletion after the expiry window. Re-arming restarts
// the window.
func (s *Scheduler) Arm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(s.window, func() { s.fire(id) })
	s.logger.Debug("expiry armed", "session_id", id, "window", s.window)
}

// Cancel disarms a pending deletion. Calling it for an id with no pending
// timer is a no-op.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return
	}
	t.Stop()
	delete(s.timers, id)
	s.logger.Debug("expiry cancelled", "session_id", id)
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	// A join may have slipped in between the timer firing and this call; the
	// expire callback re-checks emptiness under the store lock.
	s.expire(id)
}

// SetWindow changes the expiry window for timers armed from now on. Already
// armed timers keep their original deadline.
func (s *Scheduler) SetWindow(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if window == s.window {
		return
	}
	s.window = window
	s.logger.Info("expiry window updated", "window", window)
}

// Window returns the current expiry window.
func (s *Scheduler) Window() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every pending timer. The scheduler accepts no further arms.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
