package coordinator

import (
	"sync"
	"time"

	"github.com/roach88/outboxd/internal/clock"
)

// scheduler holds at most one pending follow-up cycle. Scheduling an
// earlier time replaces a later one; a later time never displaces an
// earlier one.
type scheduler struct {
	clock clock.Clock
	fire  func()

	mu    sync.Mutex
	timer clock.Timer
	due   time.Time
}

func newScheduler(clk clock.Clock, fire func()) *scheduler {
	return &scheduler{clock: clk, fire: fire}
}

// at schedules fire for t, or after minDelay if t is sooner than that.
func (s *scheduler) at(t time.Time, minDelay time.Duration) {
	now := s.clock.Now()
	if earliest := now.Add(minDelay); t.Before(earliest) {
		t = earliest
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil && !s.due.After(t) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	var timer clock.Timer
	timer = s.clock.AfterFunc(t.Sub(now), func() {
		s.mu.Lock()
		if s.timer != timer {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.due = time.Time{}
		s.mu.Unlock()
		s.fire()
	})
	s.timer = timer
	s.due = t
}

// pending returns the due time of the scheduled follow-up.
func (s *scheduler) pending() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, s.timer != nil
}

func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.due = time.Time{}
	}
}
