package gateway

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// ClientRateLimiter bounds one client's requests per sliding minute and its requests in flight.
// A zero limit disables that check.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	started           []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter with the given limits.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits a request. On success it returns a release func that must be called when the
// request finishes; otherwise it returns the RPC error code and reason for the rejection.
func (r *ClientRateLimiter) Acquire() (release func(), code int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConcurrent > 0 && r.inFlight >= r.maxConcurrent {
		return nil, TooManyConcurrent, "too many concurrent requests"
	}

	now := r.now()
	r.pruneLocked(now)
	if r.requestsPerMinute > 0 && len(r.started) >= r.requestsPerMinute {
		return nil, RateLimitExceeded, "rate limit exceeded"
	}

	r.started = append(r.started, now)
	r.inFlight++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.inFlight--
			r.mu.Unlock()
		})
	}, 0, ""
}

// Stats returns the requests admitted in the current window and the requests in flight.
func (r *ClientRateLimiter) Stats() (requests, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.started), r.inFlight
}

// pruneLocked drops admissions older than the window. started is ordered by time.
func (r *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(r.started) && !r.started[i].After(cutoff) {
		i++
	}
	r.started = r.started[i:]
}
