package broker

import (
	"sync"
	"time"
)

// throttleGate rate-smooths non-milestone publishes to at most one per job
// per interval. State is process-local: the contract is best-effort
// smoothing per publisher, not global rate-limiting.
type throttleGate struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[int64]time.Time
}

func newThrottleGate(interval time.Duration) *throttleGate {
	return &throttleGate{
		interval: interval,
		last:     make(map[int64]time.Time),
	}
}

// Admit reports whether a non-milestone publish for jobID may proceed at
// now, and records the admission. Callers must bypass the gate entirely for
// milestones and forced publishes.
func (g *throttleGate) Admit(jobID int64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.last[jobID]; ok && now.Sub(last) < g.interval {
		return false
	}
	g.last[jobID] = now
	return true
}

// Forget drops throttle state for a job (terminal cleanup).
func (g *throttleGate) Forget(jobID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, jobID)
}
