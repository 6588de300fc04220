package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolStatus is a point-in-time view of database connectivity and connection
// pool pressure. Stream subscriptions and LISTEN hold connections for their
// whole lifetime, so saturation shows up in these numbers before it shows up
// as query latency.
type PoolStatus struct {
	Status    string `json:"status"`
	PingMS    int64  `json:"ping_ms"`
	Open      int    `json:"open_connections"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	MaxOpen   int    `json:"max_open_conns"`
	WaitCount int64  `json:"wait_count"`
	WaitMS    int64  `json:"wait_duration_ms"`
	// Saturated is set when every permitted connection is in use; new
	// subscriptions and publishes will queue behind the pool.
	Saturated bool `json:"saturated"`
}

// Health pings the database and reports pool statistics. A non-nil error
// means the ping failed; the returned status still carries the elapsed time.
func Health(ctx context.Context, db *sql.DB) (*PoolStatus, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &PoolStatus{
			Status: "unhealthy",
			PingMS: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &PoolStatus{
		Status:    "healthy",
		PingMS:    time.Since(start).Milliseconds(),
		Open:      stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		MaxOpen:   stats.MaxOpenConnections,
		WaitCount: stats.WaitCount,
		WaitMS:    stats.WaitDuration.Milliseconds(),
		Saturated: stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections,
	}, nil
}
