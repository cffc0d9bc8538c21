// Package limits provides per-session command rate limiting for the
// relay using the token bucket algorithm (golang.org/x/time/rate).
package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// CommandLimiter tracks one token bucket per live session, keyed by the
// session's display name. Buckets allow a burst of commands and then a
// sustained per-second rate; an exhausted bucket means the command is
// dropped, never that the session is disconnected.
type CommandLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewCommandLimiter creates a registry with the given sustained rate
// (commands/sec) and burst size.
func NewCommandLimiter(perSecond float64, burst int) *CommandLimiter {
	return &CommandLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow consumes one token from name's bucket, creating the bucket on
// first use. Returns false when the session has exceeded its budget.
func (l *CommandLimiter) Allow(name string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[name]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[name] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// Remove drops the bucket for a departed session.
func (l *CommandLimiter) Remove(name string) {
	l.mu.Lock()
	delete(l.limiters, name)
	l.mu.Unlock()
}

// Tracked returns the number of live buckets.
func (l *CommandLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
