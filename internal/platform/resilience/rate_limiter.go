package resilience

import (
	"sync"
	"time"
)

// RateLimiter admits one event per interval, tracked as a theoretical arrival
// time (GCRA). Each admitted event pushes tat forward by one interval; an
// event is admitted while tat stays within one interval of now.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	tat      time.Time
	now      func() time.Time
}

// NewMinIntervalLimiter admits one event per interval with no bursting.
// The first event is always admitted.
func NewMinIntervalLimiter(interval time.Duration, now func() time.Time) *RateLimiter {
	if interval <= 0 {
		interval = time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{interval: interval, now: now}
}

// next returns the arrival time after one more event at now. Caller holds mu.
func (rl *RateLimiter) next(now time.Time) time.Time {
	if rl.tat.Before(now) {
		return now.Add(rl.interval)
	}
	return rl.tat.Add(rl.interval)
}

// Allow admits one event if the interval since the last one has passed.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	tat := rl.next(now)
	if tat.Sub(now) > rl.interval {
		return false
	}
	rl.tat = tat
	return true
}

// Consume records an event that bypassed Allow, such as a forced refresh.
// The limiter never owes more than one interval.
func (rl *RateLimiter) Consume() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	tat := rl.next(now)
	if limit := now.Add(rl.interval); tat.After(limit) {
		tat = limit
	}
	rl.tat = tat
}

// Reset forgets past events.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	rl.tat = time.Time{}
	rl.mu.Unlock()
}
