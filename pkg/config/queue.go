package config

import "time"

// QueueConfig contains queue and worker pool configuration.
// These values control how jobs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and processes jobs.
	WorkerCount int

	// MaxConcurrentJobs is the global limit of concurrent jobs being
	// processed across ALL replicas/pods. Enforced by database COUNT(*) check.
	MaxConcurrentJobs int

	// PollInterval is the base interval for checking queued jobs.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// JobTimeout is the maximum time a job can be processed.
	JobTimeout time.Duration

	// GracefulShutdownTimeout is the max time to wait for active jobs
	// to complete during shutdown. Should match JobTimeout.
	GracefulShutdownTimeout time.Duration

	// HeartbeatInterval is how often a worker touches its claimed job row.
	HeartbeatInterval time.Duration

	// MaxRetries bounds the execution-error retry path.
	MaxRetries int

	// OrphanDetectionInterval is how often to scan for orphaned jobs.
	OrphanDetectionInterval time.Duration

	// OrphanThreshold is how long a job can go without a heartbeat
	// before it is considered orphaned.
	OrphanThreshold time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             4,
		MaxConcurrentJobs:       16,
		PollInterval:            2 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		JobTimeout:              30 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		MaxRetries:              3,
		OrphanDetectionInterval: 1 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
	}
}

func (c *QueueConfig) loadEnv() error {
	if err := getEnvInt("QUEUE_WORKER_COUNT", &c.WorkerCount); err != nil {
		return err
	}
	if err := getEnvInt("QUEUE_MAX_CONCURRENT_JOBS", &c.MaxConcurrentJobs); err != nil {
		return err
	}
	if err := getEnvDuration("QUEUE_POLL_INTERVAL", &c.PollInterval); err != nil {
		return err
	}
	if err := getEnvDuration("QUEUE_JOB_TIMEOUT", &c.JobTimeout); err != nil {
		return err
	}
	if err := getEnvDuration("QUEUE_GRACEFUL_SHUTDOWN_TIMEOUT", &c.GracefulShutdownTimeout); err != nil {
		return err
	}
	if err := getEnvDuration("QUEUE_HEARTBEAT_INTERVAL", &c.HeartbeatInterval); err != nil {
		return err
	}
	if err := getEnvInt("QUEUE_MAX_RETRIES", &c.MaxRetries); err != nil {
		return err
	}
	if err := getEnvDuration("QUEUE_ORPHAN_DETECTION_INTERVAL", &c.OrphanDetectionInterval); err != nil {
		return err
	}
	return getEnvDuration("QUEUE_ORPHAN_THRESHOLD", &c.OrphanThreshold)
}
