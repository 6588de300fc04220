// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/taskstate"
	"github.com/forgecad/pulse/pkg/config"
)

// StreamPurger removes progress-event streams whose newest append exceeded
// the cache TTL. *broker.Broker satisfies it.
type StreamPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Service periodically enforces retention policies:
//   - Deletes progress-event streams past the cache TTL
//   - Deletes task-state mirror rows that stopped updating
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config  *config.RetentionConfig
	streams StreamPurger
	client  *ent.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, streams StreamPurger, client *ent.Client) *Service {
	return &Service{
		config:  cfg,
		streams: streams,
		client:  client,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"task_state_ttl", s.config.TaskStateTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeExpiredStreams(ctx)
	s.purgeStaleTaskStates(ctx)
}

func (s *Service) purgeExpiredStreams(_ context.Context) {
	if s.streams == nil {
		return
	}
	count, err := s.streams.PurgeExpired(context.Background())
	if err != nil {
		slog.Error("Retention: progress stream purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged expired progress streams", "rows", count)
	}
}

func (s *Service) purgeStaleTaskStates(_ context.Context) {
	if s.client == nil {
		return
	}
	cutoff := time.Now().Add(-s.config.TaskStateTTL)
	count, err := s.client.TaskState.Delete().
		Where(taskstate.UpdatedAtLT(cutoff)).
		Exec(context.Background())
	if err != nil {
		slog.Error("Retention: task state cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: cleaned up stale task states", "count", count)
	}
}
