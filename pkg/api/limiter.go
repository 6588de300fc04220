package api

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused per-key limiter survives before the
// next sweep drops it.
const limiterIdleTTL = 10 * time.Minute

// subscribeLimiter throttles subscription attempts per subject and job so a
// tight client reconnect loop cannot hammer the replay path. Keys idle longer
// than the TTL are swept opportunistically on Allow.
type subscribeLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int

	lastSweep time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newSubscribeLimiter(perSecond float64, burst int) *subscribeLimiter {
	return &subscribeLimiter{
		entries:   make(map[string]*limiterEntry),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow reports whether one more subscription attempt is admitted for the
// subject/job pair.
func (l *subscribeLimiter) Allow(subjectID string, jobID int64) bool {
	key := fmt.Sprintf("%s/%d", subjectID, jobID)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		l.sweep(now)
	}

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

// sweep drops idle entries. Caller holds the mutex.
func (l *subscribeLimiter) sweep(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.entries, key)
		}
	}
	l.lastSweep = now
}
