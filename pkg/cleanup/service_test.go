package cleanup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/forgecad/pulse/pkg/config"
)

type fakePurger struct {
	calls atomic.Int64
	rows  int64
}

func (f *fakePurger) PurgeExpired(context.Context) (int64, error) {
	f.calls.Add(1)
	return f.rows, nil
}

func TestService_RunsPurgeOnInterval(t *testing.T) {
	purger := &fakePurger{rows: 3}
	cfg := &config.RetentionConfig{
		TaskStateTTL:    time.Hour,
		CleanupInterval: 20 * time.Millisecond,
	}

	svc := NewService(cfg, purger, nil)
	svc.Start(context.Background())
	defer svc.Stop()

	// One immediate pass plus at least one tick.
	assert.Eventually(t, func() bool {
		return purger.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_StopWaitsForLoop(t *testing.T) {
	purger := &fakePurger{}
	cfg := &config.RetentionConfig{
		TaskStateTTL:    time.Hour,
		CleanupInterval: time.Hour,
	}

	svc := NewService(cfg, purger, nil)
	svc.Start(context.Background())
	svc.Stop()

	// The immediate pass ran; the loop has exited, so no further calls.
	calls := purger.calls.Load()
	assert.Equal(t, int64(1), calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, purger.calls.Load())

	// Stop again is a no-op.
	svc.Stop()
}

func TestService_StartIsIdempotent(t *testing.T) {
	purger := &fakePurger{}
	cfg := &config.RetentionConfig{
		TaskStateTTL:    time.Hour,
		CleanupInterval: time.Hour,
	}

	svc := NewService(cfg, purger, nil)
	svc.Start(context.Background())
	svc.Start(context.Background())
	svc.Stop()
}
