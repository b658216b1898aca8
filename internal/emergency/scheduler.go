package emergency

import (
	"sync"
	"time"

	"github.com/shizukutanaka/mamoru/internal/clock"
)

// recoveryScheduler holds one cancellable delayed-recovery timer per
// incident id.
type recoveryScheduler struct {
	clk    clock.Clock
	mu     sync.Mutex
	timers map[string]clock.Timer
}

func newRecoveryScheduler(clk clock.Clock) *recoveryScheduler {
	return &recoveryScheduler{clk: clk, timers: make(map[string]clock.Timer)}
}

// schedule arms fn for id, replacing any earlier timer.
func (s *recoveryScheduler) schedule(id string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
}

// cancel stops the timer for id and reports whether one was pending.
func (s *recoveryScheduler) cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	return t.Stop()
}

func (s *recoveryScheduler) pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

func (s *recoveryScheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
