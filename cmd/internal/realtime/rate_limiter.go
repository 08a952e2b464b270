package realtime

import (
	"sync"
	"time"
)

// RateLimiter throttles inbound chat frames (sends, typing, reactions) on a
// single websocket session. A session may emit at most limit events inside
// any window-long span; the gateway answers excess frames with an error
// envelope instead of closing the socket.
//
// Admission times live in a fixed ring of size limit, so a flooding client
// cannot grow the limiter's memory.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int // next write slot
	n      int // admissions currently inside the window
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the package
// defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event observed at "now" fits the budget, and
// records it when it does.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for r.n > 0 {
		oldest := (r.head - r.n + r.limit) % r.limit
		if r.ring[oldest].After(cut) {
			break
		}
		r.n--
	}

	if r.n >= r.limit {
		return false
	}
	r.ring[r.head] = now
	r.head = (r.head + 1) % r.limit
	r.n++
	return true
}
