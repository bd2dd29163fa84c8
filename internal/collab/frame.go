package collab

import (
	"sync"
	"time"
)

// Scheduler defers side effects to the next frame of the rendering
// loop. Cursor broadcast and overlay updates run through it so they
// never contend with the transport's own update cycle, and so tests can
// drive frames manually.
type Scheduler interface {
	Defer(fn func())
}

// frameInterval approximates one animation frame.
const frameInterval = 16 * time.Millisecond

// FrameScheduler runs deferred work one frame later on a timer.
type FrameScheduler struct{}

func NewFrameScheduler() *FrameScheduler {
	return &FrameScheduler{}
}

func (s *FrameScheduler) Defer(fn func()) {
	time.AfterFunc(frameInterval, fn)
}

// ManualScheduler queues deferred work until Flush, for tests that need
// deterministic frames.
type ManualScheduler struct {
	mu    sync.Mutex
	queue []func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) Defer(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

// Flush runs everything deferred so far and reports how many callbacks
// ran.
func (s *ManualScheduler) Flush() int {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
	return len(queue)
}

// Throttle admits at most one event per interval. now is injectable for
// tests.
type Throttle struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// Allow reports whether an event may pass, consuming the slot if so.
func (t *Throttle) Allow() bool {
	n := t.now()
	if !t.last.IsZero() && n.Sub(t.last) < t.interval {
		return false
	}
	t.last = n
	return true
}
