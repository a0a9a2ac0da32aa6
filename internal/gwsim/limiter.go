package gwsim

import (
	"sync"
	"time"
)

// windowLimiter admits a fixed number of requests per minute. Fixed
// windows are the simplest behavior a probe can reason about: the
// reset moment is exact and the headers can advertise it truthfully.
type windowLimiter struct {
	mu          sync.Mutex
	limit       int
	windowStart time.Time
	count       int

	now func() time.Time
}

func newWindowLimiter(limit int) *windowLimiter {
	return &windowLimiter{
		limit: limit,
		now:   time.Now,
	}
}

// Allow reports whether the request is admitted, how many slots remain
// in the window, and when the window resets.
func (l *windowLimiter) Allow() (ok bool, remaining int, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= time.Minute {
		l.windowStart = now
		l.count = 0
	}
	reset = l.windowStart.Add(time.Minute)

	if l.count >= l.limit {
		return false, 0, reset
	}
	l.count++
	return true, l.limit - l.count, reset
}
