package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgecad/pulse/pkg/progress"
)

// notifyMaxBytes is the cutoff under PostgreSQL's 8000-byte NOTIFY payload
// limit. Larger payloads are replaced on the wire by a truncation envelope;
// the full message remains in the cache and is re-read on dispatch.
const notifyMaxBytes = 7900

// Result is the outcome of a Publish call.
type Result struct {
	// EventID of the admitted message (assigned here only as a legacy
	// fallback when the producer did not set one).
	EventID int64
	// Throttled is true when the message was dropped by the rate gate.
	Throttled bool
}

// Publisher admits progress messages into the fabric: it appends them to the
// per-job cached stream and broadcasts them on the per-job and wildcard
// channels via NOTIFY, in a single transaction (pg_notify is transactional —
// held until COMMIT).
type Publisher struct {
	db   *sql.DB
	gate *throttleGate

	cacheSize int
}

// NewPublisher creates a publisher over the shared database handle.
func NewPublisher(db *sql.DB, throttleInterval time.Duration, cacheSize int) *Publisher {
	return &Publisher{
		db:        db,
		gate:      newThrottleGate(throttleInterval),
		cacheSize: cacheSize,
	}
}

// Publish validates, derives, and admits one message. Non-milestone messages
// are subject to per-job throttling unless force is set. Invalid messages
// are rejected and never published.
func (p *Publisher) Publish(ctx context.Context, msg *progress.Message, force bool) (Result, error) {
	progress.Derive(msg)
	if err := progress.Validate(msg); err != nil {
		return Result{}, err
	}

	if !force && !msg.Milestone && !p.gate.Admit(msg.JobID, time.Now()) {
		return Result{Throttled: true}, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin publish transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Legacy fallback: the reporter is the authoritative event_id writer,
	// but messages from older producers may arrive without one.
	if msg.EventID == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(event_id), 0) + 1 FROM progress_events WHERE job_id = $1`,
			msg.JobID,
		).Scan(&msg.EventID); err != nil {
			return Result{}, fmt.Errorf("allocate fallback event_id: %w", err)
		}
		slog.Warn("Publish without event_id, broker assigned one",
			"job_id", msg.JobID, "event_id", msg.EventID)
	}

	payload, err := progress.Encode(msg)
	if err != nil {
		return Result{}, err
	}

	// 1. Append to the job's cached stream. A duplicate event_id is a
	// producer bug: keep the later write and warn.
	var overwrote bool
	err = tx.QueryRowContext(ctx,
		`INSERT INTO progress_events (job_id, event_id, channel, payload, milestone, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (job_id, event_id) DO UPDATE
		   SET payload = EXCLUDED.payload,
		       milestone = EXCLUDED.milestone,
		       created_at = EXCLUDED.created_at
		 RETURNING (xmax <> 0)`,
		msg.JobID, msg.EventID, CacheKey(msg.JobID), payload, msg.Milestone, time.Now(),
	).Scan(&overwrote)
	if err != nil {
		return Result{}, fmt.Errorf("append to progress cache: %w", err)
	}
	if overwrote {
		slog.Warn("Duplicate event_id overwritten in progress cache",
			"job_id", msg.JobID, "event_id", msg.EventID)
	}

	// 2. Trim the stream to the newest cacheSize entries.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM progress_events
		 WHERE job_id = $1
		   AND event_id < (
		     SELECT event_id FROM progress_events
		     WHERE job_id = $1
		     ORDER BY event_id DESC
		     OFFSET $2 LIMIT 1
		   )`,
		msg.JobID, p.cacheSize-1,
	); err != nil {
		return Result{}, fmt.Errorf("trim progress cache: %w", err)
	}

	// 3. Fan out on the per-job channel and the wildcard monitoring channel.
	notifyPayload, err := truncateIfNeeded(payload, msg)
	if err != nil {
		return Result{}, err
	}
	for _, channel := range []string{JobChannel(msg.JobID), WildcardChannel} {
		if _, err := tx.ExecContext(ctx,
			"SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
			return Result{}, fmt.Errorf("pg_notify %s: %w", channel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit publish transaction: %w", err)
	}

	// A terminal status is the last publish for the job; drop its throttle
	// state so the gate does not accumulate entries for finished jobs.
	if msg.IsTerminal() {
		p.gate.Forget(msg.JobID)
	}

	return Result{EventID: msg.EventID}, nil
}

// PurgeExpired deletes whole streams whose newest append is older than ttl.
// TTL applies per stream, not per row: a publish refreshes the entire
// stream's lifetime. Returns the number of rows deleted.
func (p *Publisher) PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM progress_events
		 WHERE job_id IN (
		   SELECT job_id FROM progress_events
		   GROUP BY job_id
		   HAVING MAX(created_at) < $1
		 )`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired progress streams: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired progress streams: %w", err)
	}
	return n, nil
}

// truncationEnvelope is sent over NOTIFY in place of an oversized payload.
// It carries only the routing fields a subscriber needs to re-read the full
// message from the cache.
type truncationEnvelope struct {
	Truncated bool               `json:"truncated"`
	JobID     int64              `json:"job_id"`
	EventID   int64              `json:"event_id"`
	EventType progress.EventType `json:"event_type"`
}

// truncateIfNeeded returns the payload as-is if it fits within PostgreSQL's
// NOTIFY limit, otherwise a minimal truncation envelope.
func truncateIfNeeded(payload []byte, msg *progress.Message) (string, error) {
	if len(payload) <= notifyMaxBytes {
		return string(payload), nil
	}
	env, err := json.Marshal(truncationEnvelope{
		Truncated: true,
		JobID:     msg.JobID,
		EventID:   msg.EventID,
		EventType: msg.EventType,
	})
	if err != nil {
		return "", fmt.Errorf("marshal truncation envelope: %w", err)
	}
	return string(env), nil
}
