package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/job"
	"github.com/forgecad/pulse/pkg/lifecycle"
	"github.com/forgecad/pulse/pkg/reporter"
)

// JobRegistry is the subset of the pool used by workers for cancellation.
type JobRegistry interface {
	RegisterJob(jobID int64, cancel context.CancelFunc)
	UnregisterJob(jobID int64)
}

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id        string
	podID     string
	client    *ent.Client
	config    Config
	runner    JobRunner
	lifecycle *lifecycle.Manager
	publisher ProgressPublisher
	states    reporter.StateStore
	pool      JobRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  int64
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker. states may be nil (task-state
// mirroring disabled).
func NewWorker(id, podID string, client *ent.Client, cfg Config, runner JobRunner, lc *lifecycle.Manager, pub ProgressPublisher, states reporter.StateStore, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		client:       client,
		config:       cfg,
		runner:       runner,
		lifecycle:    lc,
		publisher:    pub,
		states:       states,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. The current
// job is allowed to complete. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// pollInterval returns the poll interval with jitter so concurrent workers
// do not stampede the queue query.
func (w *Worker) pollInterval() time.Duration {
	if w.config.PollJitter <= 0 {
		return w.config.PollInterval
	}
	return w.config.PollInterval + rand.N(w.config.PollJitter)
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a job, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Best-effort global capacity check; racy with concurrent workers but
	// bounded by WorkerCount and mitigated by poll jitter.
	activeCount, err := w.client.Job.Query().
		Where(job.StatusEQ(job.StatusRunning)).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("checking active jobs: %w", err)
	}
	if activeCount >= w.config.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	claimed, taskID, err := w.claimNextJob(ctx)
	if err != nil {
		return err
	}

	log := slog.With("job_id", claimed.ID, "worker_id", w.id)
	log.Info("Job claimed")

	// On a retry the job already has a published stream; the reporter must
	// continue it, not reuse IDs the cache and client cursors have seen.
	eventIDSeed, err := w.publisher.LastEventID(ctx, claimed.ID)
	if err != nil {
		w.releaseClaim(claimed.ID)
		return fmt.Errorf("read last event_id for job %d: %w", claimed.ID, err)
	}

	// Start transition: audit append first, then the row. If it cannot be
	// recorded, release the claim so another worker can pick the job up.
	if err := w.lifecycle.Start(ctx, claimed.ID, w.podID, taskID); err != nil {
		w.releaseClaim(claimed.ID)
		return fmt.Errorf("start job %d: %w", claimed.ID, err)
	}

	w.setStatus(WorkerStatusWorking, claimed.ID)
	defer w.setStatus(WorkerStatusIdle, 0)

	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	w.pool.RegisterJob(claimed.ID, cancelJob)
	defer w.pool.UnregisterJob(claimed.ID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, claimed.ID)

	rep := reporter.New(w.publisher, claimed.ID, taskID,
		reporter.WithStateStore(w.states),
		reporter.WithEventIDSeed(eventIDSeed))
	runErr := w.runner.Run(jobCtx, claimed, rep)
	cancelHeartbeat()
	// Flush queued progress before the terminal transition publishes its
	// status change.
	rep.Close()

	w.finalize(claimed, jobCtx, runErr)

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete")
	return nil
}

// finalize drives the terminal lifecycle transition. Uses a background
// context: the job context may already be cancelled or expired.
func (w *Worker) finalize(claimed *ent.Job, jobCtx context.Context, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log := slog.With("job_id", claimed.ID, "worker_id", w.id)

	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		if err := w.lifecycle.Timeout(ctx, claimed.ID, w.config.JobTimeout); err != nil {
			log.Error("Failed to record job timeout", "error", err)
		}

	case errors.Is(jobCtx.Err(), context.Canceled):
		if err := w.lifecycle.Cancel(ctx, claimed.ID, "execution cancelled", "system"); err != nil {
			log.Error("Failed to record job cancellation", "error", err)
		}

	case runErr != nil:
		if claimed.RetryCount < w.config.MaxRetries {
			if err := w.retry(ctx, claimed.ID, runErr); err != nil {
				log.Error("Failed to requeue job for retry", "error", err)
			}
			return
		}
		if err := w.lifecycle.Fail(ctx, claimed.ID, "execution_error", runErr.Error(), ""); err != nil {
			log.Error("Failed to record job failure", "error", err)
		}

	default:
		duration := int64(0)
		if claimed.StartedAt != nil {
			duration = time.Since(*claimed.StartedAt).Milliseconds()
		}
		if err := w.lifecycle.Succeed(ctx, claimed.ID, "completed", duration); err != nil {
			log.Error("Failed to record job success", "error", err)
		}
	}
}

// retry moves the job through retrying back to queued.
func (w *Worker) retry(ctx context.Context, jobID int64, runErr error) error {
	if err := w.lifecycle.Retry(ctx, jobID, "execution_error", runErr.Error(), nil); err != nil {
		return err
	}
	// Clear the claim so any worker can pick the retry up.
	w.releaseClaim(jobID)
	return w.lifecycle.Enqueue(ctx, jobID, "default", "", "")
}

// claimNextJob atomically claims the next queued job using FOR UPDATE SKIP
// LOCKED: highest priority first, FIFO within a priority. The claim only
// marks pod_id and task_id; the queued → running transition (with its audit
// entry) happens afterwards via the lifecycle manager.
func (w *Worker) claimNextJob(ctx context.Context) (*ent.Job, string, error) {
	tx, err := w.client.Tx(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	next, err := tx.Job.Query().
		Where(
			job.StatusEQ(job.StatusQueued),
			job.PodIDIsNil(),
		).
		Order(ent.Desc(job.FieldPriority), ent.Asc(job.FieldCreatedAt)).
		Limit(1).
		ForUpdate(sql.WithLockAction(sql.SkipLocked)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, "", ErrNoJobsAvailable
		}
		return nil, "", fmt.Errorf("failed to query queued job: %w", err)
	}

	taskID := uuid.New().String()
	next, err = next.Update().
		SetPodID(w.podID).
		SetTaskID(taskID).
		Save(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("failed to commit claim: %w", err)
	}
	return next, taskID, nil
}

// releaseClaim clears the claim markers so the job is claimable again.
func (w *Worker) releaseClaim(jobID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.client.Job.UpdateOneID(jobID).
		ClearPodID().
		ClearTaskID().
		Exec(ctx); err != nil {
		slog.Warn("Failed to release job claim", "job_id", jobID, "error", err)
	}
}

// runHeartbeat periodically touches the job row so the orphan scan can tell
// live executions from dead ones.
func (w *Worker) runHeartbeat(ctx context.Context, jobID int64) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.Job.UpdateOneID(jobID).
				SetUpdatedAt(time.Now()).
				Exec(ctx); err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) setStatus(status WorkerStatus, jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
