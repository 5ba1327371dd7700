package room

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultSeekWindow = 500 * time.Millisecond

// SeekThrottle coalesces seek requests. The first request opens a window;
// requests inside it only replace the pending time, and the latest one is
// applied when the window closes. At most one timer is armed at a time.
// Every seek waits for its window to close, an isolated one included, so
// peers always see a single settled position per window.
type SeekThrottle struct {
	clock  clock.Clock
	window time.Duration
	apply  func(t float64)

	mu      sync.Mutex
	pending float64
	timer   *clock.Timer
	// gen identifies the armed window; a callback from an older one is ignored
	gen uint64
}

func NewSeekThrottle(c clock.Clock, window time.Duration, apply func(t float64)) *SeekThrottle {
	if c == nil {
		c = clock.New()
	}
	if window <= 0 {
		window = DefaultSeekWindow
	}
	return &SeekThrottle{clock: c, window: window, apply: apply}
}

// Request schedules t to be applied at the end of the current window.
func (s *SeekThrottle) Request(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = t
	if s.timer == nil {
		s.gen++
		gen := s.gen
		s.timer = s.clock.AfterFunc(s.window, func() { s.fire(gen) })
	}
}

func (s *SeekThrottle) fire(gen uint64) {
	s.mu.Lock()
	if s.timer == nil || gen != s.gen {
		s.mu.Unlock()
		return
	}
	t := s.pending
	s.timer = nil
	s.mu.Unlock()
	s.apply(t)
}

// Pending reports the time that will be applied when the window closes.
func (s *SeekThrottle) Pending() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.timer != nil
}

// Stop cancels a pending seek. It reports whether one was pending.
func (s *SeekThrottle) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}
