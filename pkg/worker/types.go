// Package worker provides the job queue processing infrastructure: a pool of
// workers that claim queued jobs with FOR UPDATE SKIP LOCKED, run them with a
// progress reporter attached, and drive their terminal lifecycle transition.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/pkg/reporter"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no queued jobs are waiting.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrAtCapacity indicates the global concurrent job limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// JobRunner executes one claimed job. The runner reports progress through the
// reporter; the worker owns claiming, heartbeat, and the terminal lifecycle
// transition. A nil error means the job succeeded.
type JobRunner interface {
	Run(ctx context.Context, job *ent.Job, rep *reporter.Reporter) error
}

// ProgressPublisher is the broker surface workers hand to reporters:
// publishing, plus the last event_id assigned to a job, read when claiming so
// a retried execution continues the job's stream instead of restarting it.
// *broker.Broker satisfies it.
type ProgressPublisher interface {
	reporter.Publisher
	LastEventID(ctx context.Context, jobID int64) (int64, error)
}

// Config carries worker pool tunables.
type Config struct {
	WorkerCount       int
	MaxConcurrentJobs int
	PollInterval      time.Duration
	PollJitter        time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	MaxRetries        int

	OrphanScanInterval time.Duration
	OrphanStaleAfter   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:       4,
		MaxConcurrentJobs: 16,
		PollInterval:      2 * time.Second,
		PollJitter:        500 * time.Millisecond,
		JobTimeout:        30 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxRetries:        3,

		OrphanScanInterval: time.Minute,
		OrphanStaleAfter:   5 * time.Minute,
	}
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveJobs       int            `json:"active_jobs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  int64        `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}
