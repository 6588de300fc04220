// Package lifecycle owns job state transitions. Every transition is recorded
// in the audit chain before the job row changes, and surfaced to subscribers
// as a status_change progress message. Progress delivery is advisory; the
// audit append is not — a failed append aborts the transition.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/job"
	"github.com/forgecad/pulse/pkg/audit"
	"github.com/forgecad/pulse/pkg/broker"
	"github.com/forgecad/pulse/pkg/progress"
	"github.com/forgecad/pulse/pkg/services"
)

// StatusPublisher fans job status changes out to stream subscribers.
// *broker.Broker satisfies it.
type StatusPublisher interface {
	Publish(ctx context.Context, msg *progress.Message, force bool) (broker.Result, error)
}

// transitions is the allowed state machine. Failed jobs stay replayable
// through the dead-letter path; completed, cancelled, and timeout are final.
var transitions = map[job.Status][]job.Status{
	job.StatusCreated:  {job.StatusQueued, job.StatusCancelled},
	job.StatusQueued:   {job.StatusRunning, job.StatusCancelled},
	job.StatusRunning:  {job.StatusCompleted, job.StatusFailed, job.StatusCancelled, job.StatusRetrying, job.StatusTimeout},
	job.StatusRetrying: {job.StatusQueued, job.StatusRunning, job.StatusCancelled, job.StatusFailed},
	job.StatusFailed:   {job.StatusQueued},
}

func allowed(from, to job.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager applies job state transitions.
type Manager struct {
	client *ent.Client
	audit  *audit.Service
	pub    StatusPublisher
}

// NewManager creates a lifecycle manager.
func NewManager(client *ent.Client, auditSvc *audit.Service, pub StatusPublisher) *Manager {
	return &Manager{client: client, audit: auditSvc, pub: pub}
}

// CreateSpec describes a new job.
type CreateSpec struct {
	OwnerID        string
	JobType        string
	Priority       int
	Params         map[string]interface{}
	IdempotencyKey string
}

// Create inserts a job in status created and appends the genesis audit entry.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*ent.Job, error) {
	if spec.OwnerID == "" {
		return nil, services.NewValidationError("owner_id", "required")
	}
	if spec.JobType == "" {
		return nil, services.NewValidationError("job_type", "required")
	}

	create := m.client.Job.Create().
		SetOwnerID(spec.OwnerID).
		SetJobType(spec.JobType).
		SetPriority(spec.Priority)
	if spec.Params != nil {
		create = create.SetParams(spec.Params)
	}
	if spec.IdempotencyKey != "" {
		create = create.SetIdempotencyKey(spec.IdempotencyKey)
	}
	row, err := create.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if _, err := m.audit.Append(ctx, row.ID, audit.KindCreated, spec.OwnerID, map[string]interface{}{
		"created_at":      row.CreatedAt,
		"job_type":        spec.JobType,
		"priority":        spec.Priority,
		"params":          spec.Params,
		"idempotency_key": spec.IdempotencyKey,
	}); err != nil {
		return nil, err
	}
	return row, nil
}

// Enqueue moves a job to queued.
func (m *Manager) Enqueue(ctx context.Context, jobID int64, queueName, routingKey, actorID string) error {
	now := time.Now()
	return m.transition(ctx, jobID, job.StatusQueued, audit.KindQueued, actorID,
		map[string]interface{}{
			"queue_name":  queueName,
			"routing_key": routingKey,
			"queued_at":   now,
		},
		func(u *ent.JobUpdateOne) { u.SetQueuedAt(now) })
}

// Start moves a job to running on worker pickup.
func (m *Manager) Start(ctx context.Context, jobID int64, workerID, taskID string) error {
	now := time.Now()
	payload := map[string]interface{}{"started_at": now}
	if workerID != "" {
		payload["worker_id"] = workerID
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	return m.transition(ctx, jobID, job.StatusRunning, audit.KindStarted, workerID, payload,
		func(u *ent.JobUpdateOne) {
			u.SetStartedAt(now).SetPodID(workerID).SetTaskID(taskID)
		})
}

// Progress records a coarse progress checkpoint on the job row and in the
// audit chain. The job stays running; no status transition occurs.
func (m *Manager) Progress(ctx context.Context, jobID int64, pct int, message string) error {
	if pct < 0 || pct > 100 {
		return services.NewValidationError("progress", "must be within [0, 100]")
	}
	payload := map[string]interface{}{
		"progress":   pct,
		"updated_at": time.Now(),
	}
	if message != "" {
		payload["message"] = message
	}
	if _, err := m.audit.Append(ctx, jobID, audit.KindProgress, "", payload); err != nil {
		return err
	}
	if err := m.client.Job.UpdateOneID(jobID).SetProgress(pct).Exec(ctx); err != nil {
		if ent.IsNotFound(err) {
			return services.ErrNotFound
		}
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// Retry moves a job to retrying after a recoverable failure.
func (m *Manager) Retry(ctx context.Context, jobID int64, errorCode, errorMessage string, nextRetryAt *time.Time) error {
	row, err := m.client.Job.Get(ctx, jobID)
	if err != nil {
		if ent.IsNotFound(err) {
			return services.ErrNotFound
		}
		return fmt.Errorf("get job %d: %w", jobID, err)
	}
	payload := map[string]interface{}{
		"retry_count": row.RetryCount + 1,
	}
	if errorCode != "" {
		payload["error_code"] = errorCode
	}
	if errorMessage != "" {
		payload["error_message"] = errorMessage
	}
	if nextRetryAt != nil {
		payload["next_retry_at"] = *nextRetryAt
	}
	return m.transition(ctx, jobID, job.StatusRetrying, audit.KindRetrying, "", payload,
		func(u *ent.JobUpdateOne) {
			u.SetRetryCount(row.RetryCount + 1).SetErrorMessage(errorMessage)
		})
}

// Cancel moves a job to cancelled.
func (m *Manager) Cancel(ctx context.Context, jobID int64, reason, cancelledBy string) error {
	if cancelledBy != "user" && cancelledBy != "system" {
		return services.NewValidationError("cancelled_by", "must be user or system")
	}
	now := time.Now()
	payload := map[string]interface{}{
		"cancelled_at": now,
		"cancelled_by": cancelledBy,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return m.transition(ctx, jobID, job.StatusCancelled, audit.KindCancelled, cancelledBy, payload,
		func(u *ent.JobUpdateOne) { u.SetCompletedAt(now) })
}

// Fail moves a job to failed.
func (m *Manager) Fail(ctx context.Context, jobID int64, errorCode, errorMessage, traceback string) error {
	const tracebackLimit = 5000
	if len(traceback) > tracebackLimit {
		traceback = traceback[:tracebackLimit]
	}
	now := time.Now()
	return m.transition(ctx, jobID, job.StatusFailed, audit.KindFailed, "",
		map[string]interface{}{
			"error_code":    errorCode,
			"error_message": errorMessage,
			"traceback":     traceback,
			"failed_at":     now,
		},
		func(u *ent.JobUpdateOne) {
			u.SetErrorMessage(errorMessage).SetCompletedAt(now)
		})
}

// Succeed moves a job to completed.
func (m *Manager) Succeed(ctx context.Context, jobID int64, outputSummary string, durationMS int64) error {
	now := time.Now()
	payload := map[string]interface{}{
		"output_summary": outputSummary,
		"completed_at":   now,
	}
	if durationMS > 0 {
		payload["duration_ms"] = durationMS
	}
	return m.transition(ctx, jobID, job.StatusCompleted, audit.KindSucceeded, "", payload,
		func(u *ent.JobUpdateOne) { u.SetProgress(100).SetCompletedAt(now) })
}

// Timeout moves a job to timeout after its execution deadline passed. The
// audit chain records it as a failure with a timeout error code.
func (m *Manager) Timeout(ctx context.Context, jobID int64, deadline time.Duration) error {
	now := time.Now()
	return m.transition(ctx, jobID, job.StatusTimeout, audit.KindFailed, "",
		map[string]interface{}{
			"error_code":    "timeout",
			"error_message": fmt.Sprintf("job exceeded execution deadline of %s", deadline),
			"traceback":     "",
			"failed_at":     now,
		},
		func(u *ent.JobUpdateOne) { u.SetCompletedAt(now) })
}

// ReplayDLQ requeues a failed job from the dead-letter queue.
func (m *Manager) ReplayDLQ(ctx context.Context, jobID int64, dlqName, originalError string, replayAttempt int, replayedBy string) error {
	payload := map[string]interface{}{
		"dlq_name":       dlqName,
		"replay_attempt": replayAttempt,
		"replayed_at":    time.Now(),
		"replayed_by":    replayedBy,
	}
	if originalError != "" {
		payload["original_error"] = originalError
	}
	return m.transition(ctx, jobID, job.StatusQueued, audit.KindDLQReplayed, replayedBy, payload,
		func(u *ent.JobUpdateOne) { u.ClearErrorMessage() })
}

// transition is the shared path: validate the edge, append the audit entry,
// update the row, then publish the status change. The append happens first so
// a transition is never finalized without its audit record.
func (m *Manager) transition(
	ctx context.Context,
	jobID int64,
	to job.Status,
	kind audit.Kind,
	actorID string,
	payload map[string]interface{},
	apply func(*ent.JobUpdateOne),
) error {
	row, err := m.client.Job.Get(ctx, jobID)
	if err != nil {
		if ent.IsNotFound(err) {
			return services.ErrNotFound
		}
		return fmt.Errorf("get job %d: %w", jobID, err)
	}
	if !allowed(row.Status, to) {
		return fmt.Errorf("%w: %s -> %s", services.ErrInvalidTransition, row.Status, to)
	}

	if _, err := m.audit.Append(ctx, jobID, kind, actorID, payload); err != nil {
		return err
	}

	update := m.client.Job.UpdateOneID(jobID).SetStatus(to)
	if apply != nil {
		apply(update)
	}
	if err := update.Exec(ctx); err != nil {
		return fmt.Errorf("update job %d status: %w", jobID, err)
	}

	m.publishStatus(ctx, jobID, string(to))
	return nil
}

// publishStatus emits a status_change message. Best-effort: subscribers that
// miss it still see the final state via the snapshot endpoint.
func (m *Manager) publishStatus(ctx context.Context, jobID int64, status string) {
	if m.pub == nil {
		return
	}
	msg := &progress.Message{
		JobID:         jobID,
		Timestamp:     progress.Now(),
		SchemaVersion: progress.SchemaVersion,
		EventType:     progress.EventTypeStatusChange,
		Status:        status,
	}
	msg.Milestone = msg.IsTerminal()
	if _, err := m.pub.Publish(ctx, msg, true); err != nil {
		slog.Warn("Status change publish failed", "job_id", jobID, "status", status, "error", err)
	}
}
