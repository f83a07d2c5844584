package gateway

import (
	"sync"
	"time"
)

// RateLimit bounds how fast one client may send requests.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// DefaultRateLimit allows 60 requests a minute with 10 in flight.
func DefaultRateLimit() RateLimit {
	return RateLimit{RequestsPerMinute: 60, MaxConcurrent: 10}
}

const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter is a sliding one-minute window plus a concurrency cap.
type ClientRateLimiter struct {
	mu         sync.Mutex
	limit      RateLimit
	requests   []time.Time
	concurrent int
	now        func() time.Time
}

// NewClientRateLimiter creates a limiter. Non-positive limits fall back to defaults.
func NewClientRateLimiter(limit RateLimit) *ClientRateLimiter {
	d := DefaultRateLimit()
	if limit.RequestsPerMinute <= 0 {
		limit.RequestsPerMinute = d.RequestsPerMinute
	}
	if limit.MaxConcurrent <= 0 {
		limit.MaxConcurrent = d.MaxConcurrent
	}
	return &ClientRateLimiter{limit: limit, now: time.Now}
}

// Acquire admits a request. The returned release must be called when the
// request finishes. When the request is rejected, release is nil and reason
// explains why.
func (r *ClientRateLimiter) Acquire() (release func(), reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	if r.concurrent >= r.limit.MaxConcurrent {
		return nil, reasonTooConcurrent
	}
	if len(r.requests) >= r.limit.RequestsPerMinute {
		return nil, reasonRateLimited
	}

	r.requests = append(r.requests, now)
	r.concurrent++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.concurrent > 0 {
				r.concurrent--
			}
			r.mu.Unlock()
		})
	}, ""
}

// Stats returns the requests in the current window and those in flight.
func (r *ClientRateLimiter) Stats() (requests, concurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.requests), r.concurrent
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}

// limiterSet hands out one limiter per key, used for HTTP clients by address.
type limiterSet struct {
	mu       sync.Mutex
	limit    RateLimit
	limiters map[string]*ClientRateLimiter
}

func newLimiterSet(limit RateLimit) *limiterSet {
	return &limiterSet{limit: limit, limiters: make(map[string]*ClientRateLimiter)}
}

func (s *limiterSet) get(key string) *ClientRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok {
		l = NewClientRateLimiter(s.limit)
		s.limiters[key] = l
	}
	return l
}
