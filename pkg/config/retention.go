package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// TaskStateTTL is the maximum age of a task-state mirror row before
	// deletion. Rows for finished tasks stop updating, so age equals
	// staleness.
	TaskStateTTL time.Duration

	// CleanupInterval is how often the cleanup loop runs. Progress-event
	// streams use the broker's CacheTTL; this loop enforces it.
	CleanupInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		TaskStateTTL:    24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
	}
}

func (c *RetentionConfig) loadEnv() error {
	if err := getEnvDuration("RETENTION_TASK_STATE_TTL", &c.TaskStateTTL); err != nil {
		return err
	}
	return getEnvDuration("RETENTION_CLEANUP_INTERVAL", &c.CleanupInterval)
}
