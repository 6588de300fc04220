package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottleGate_Admit(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("first message always admitted", func(t *testing.T) {
		gate := newThrottleGate(500 * time.Millisecond)
		assert.True(t, gate.Admit(1, base))
	})

	t.Run("second message within interval rejected", func(t *testing.T) {
		gate := newThrottleGate(500 * time.Millisecond)
		assert.True(t, gate.Admit(1, base))
		assert.False(t, gate.Admit(1, base.Add(100*time.Millisecond)))
		assert.False(t, gate.Admit(1, base.Add(499*time.Millisecond)))
	})

	t.Run("admitted again after interval elapses", func(t *testing.T) {
		gate := newThrottleGate(500 * time.Millisecond)
		assert.True(t, gate.Admit(1, base))
		assert.True(t, gate.Admit(1, base.Add(500*time.Millisecond)))
	})

	t.Run("jobs throttle independently", func(t *testing.T) {
		gate := newThrottleGate(500 * time.Millisecond)
		assert.True(t, gate.Admit(1, base))
		assert.True(t, gate.Admit(2, base))
		assert.False(t, gate.Admit(1, base.Add(time.Millisecond)))
		assert.False(t, gate.Admit(2, base.Add(time.Millisecond)))
	})

	t.Run("rejected message does not reset the window", func(t *testing.T) {
		gate := newThrottleGate(500 * time.Millisecond)
		assert.True(t, gate.Admit(1, base))
		assert.False(t, gate.Admit(1, base.Add(400*time.Millisecond)))
		// Window is measured from the last admitted message, not the last
		// attempt.
		assert.True(t, gate.Admit(1, base.Add(600*time.Millisecond)))
	})

	t.Run("forget clears job state", func(t *testing.T) {
		gate := newThrottleGate(500 * time.Millisecond)
		assert.True(t, gate.Admit(1, base))
		gate.Forget(1)
		assert.True(t, gate.Admit(1, base.Add(time.Millisecond)))
	})

	t.Run("zero interval admits everything", func(t *testing.T) {
		gate := newThrottleGate(0)
		assert.True(t, gate.Admit(1, base))
		assert.True(t, gate.Admit(1, base))
	})
}
