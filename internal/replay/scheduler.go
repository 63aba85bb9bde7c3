package replay

import (
	"sync"
	"time"
)

// Timer is a handle on one pending fire.
type Timer interface {
	// Stop prevents the fire if it has not started. It reports whether the
	// fire was prevented.
	Stop() bool
}

// Scheduler arms one-shot timers.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler arms timers on the runtime clock.
type RealScheduler struct{}

// AfterFunc calls f in its own goroutine after d.
func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualScheduler fires timers only when told to. It makes frame-by-frame
// replay deterministic in tests and scenario runs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []*manualTimer
	armed   int
}

type manualTimer struct {
	s       *ManualScheduler
	d       time.Duration
	f       func()
	stopped bool
}

// NewManualScheduler creates a scheduler with no pending timers.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// AfterFunc records a pending timer. d is kept for inspection only.
func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &manualTimer{s: s, d: d, f: f}
	s.pending = append(s.pending, t)
	s.armed++
	return t
}

// Fire runs the oldest pending timer on the calling goroutine. It returns
// false when nothing is pending.
func (s *ManualScheduler) Fire() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	t.f()
	return true
}

// FireAll fires until nothing is pending or limit fires have run, and
// returns how many ran.
func (s *ManualScheduler) FireAll(limit int) int {
	n := 0
	for n < limit && s.Fire() {
		n++
	}
	return n
}

// Pending returns the number of armed, unstopped timers.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Armed returns how many timers have ever been armed.
func (s *ManualScheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// NextDelay returns the delay of the oldest pending timer.
func (s *ManualScheduler) NextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return 0, false
	}
	return s.pending[0].d, true
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.stopped {
		return false
	}
	for i, p := range t.s.pending {
		if p == t {
			t.s.pending = append(t.s.pending[:i], t.s.pending[i+1:]...)
			t.stopped = true
			return true
		}
	}
	return false
}
