// Package ratelimit provides a lightweight counter for throttling repeated
// log emission from hot consumer loops.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Limiter tracks a running total and the last time an emission was allowed.
// Safe for concurrent use.
type Limiter struct {
	every time.Duration
	last  atomic.Int64
	total atomic.Uint64
}

// Every constructs a Limiter that allows one emission per interval. A zero
// or negative interval disables throttling.
func Every(interval time.Duration) *Limiter {
	return &Limiter{every: interval}
}

// Allow increments the total and reports whether the caller may emit now,
// along with the running total for inclusion in the log line.
func (l *Limiter) Allow() (uint64, bool) {
	if l == nil {
		return 0, false
	}
	total := l.total.Add(1)
	if l.every <= 0 {
		return total, true
	}
	now := time.Now().UnixNano()
	last := l.last.Load()
	if now-last < l.every.Nanoseconds() {
		return total, false
	}
	if l.last.CompareAndSwap(last, now) {
		return total, true
	}
	return total, false
}

// Total returns the number of events seen so far.
func (l *Limiter) Total() uint64 {
	if l == nil {
		return 0
	}
	return l.total.Load()
}
