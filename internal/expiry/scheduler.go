// Package expiry fires one-shot callbacks at message expiry deadlines.
package expiry

import (
	"fmt"
	"sync"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/observability"
)

// Handle identifies one scheduled expiry.
type Handle struct {
	messageID string
	entry     *entry
}

// MessageID returns the id of the message the handle belongs to.
func (h Handle) MessageID() string {
	return h.messageID
}

type entry struct {
	timer Timer
}

// Scheduler keeps one timer per ephemeral message. It never polls.
type Scheduler struct {
	mu      sync.Mutex
	clock   Clock
	pending map[string]*entry
	fired   map[string]struct{}
}

// NewScheduler creates a scheduler driven by clock
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = WallClock()
	}
	return &Scheduler{
		clock:   clock,
		pending: make(map[string]*entry),
		fired:   make(map[string]struct{}),
	}
}

// Schedule arranges exactly one call of onExpire once the clock reaches
// expiresAt. A deadline already in the past fires on the next timer tick,
// never inside Schedule itself. Scheduling an id that is pending or has
// already fired returns domain.ErrDuplicateSchedule.
func (s *Scheduler) Schedule(messageID string, expiresAt time.Time, onExpire func()) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[messageID]; ok {
		return Handle{}, fmt.Errorf("%w: %s", domain.ErrDuplicateSchedule, messageID)
	}
	if _, ok := s.fired[messageID]; ok {
		return Handle{}, fmt.Errorf("%w: %s", domain.ErrDuplicateSchedule, messageID)
	}

	delay := expiresAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	e := &entry{}
	// The callback takes s.mu, so it cannot observe e before it is registered.
	e.timer = s.clock.AfterFunc(delay, func() {
		s.fire(messageID, e, onExpire)
	})
	s.pending[messageID] = e
	observability.ExpiryTimersPending.Inc()

	return Handle{messageID: messageID, entry: e}, nil
}

func (s *Scheduler) fire(messageID string, e *entry, onExpire func()) {
	s.mu.Lock()
	if cur, ok := s.pending[messageID]; !ok || cur != e {
		s.mu.Unlock()
		return
	}
	delete(s.pending, messageID)
	s.fired[messageID] = struct{}{}
	s.mu.Unlock()

	observability.ExpiryTimersPending.Dec()
	onExpire()
}

// Cancel stops a pending expiry. Once it returns, the callback is never
// invoked unless it had already fired. It reports whether the timer was
// still pending.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.pending[h.messageID]
	if !ok || cur != h.entry {
		return false
	}
	delete(s.pending, h.messageID)
	cur.timer.Stop()
	observability.ExpiryTimersPending.Dec()
	return true
}

// Pending returns the number of outstanding timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
