package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/job"
	"github.com/forgecad/pulse/pkg/lifecycle"
	"github.com/forgecad/pulse/pkg/reporter"
)

// Pool manages a pool of queue workers plus the orphan recovery scan.
type Pool struct {
	podID     string
	client    *ent.Client
	config    Config
	runner    JobRunner
	lifecycle *lifecycle.Manager
	publisher ProgressPublisher
	states    reporter.StateStore
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Job cancel registry: job_id → cancel function
	activeJobs map[int64]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	orphanMu         sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// NewPool creates a new worker pool.
func NewPool(podID string, client *ent.Client, cfg Config, runner JobRunner, lc *lifecycle.Manager, pub ProgressPublisher, states reporter.StateStore) *Pool {
	return &Pool{
		podID:      podID,
		client:     client,
		config:     cfg,
		runner:     runner,
		lifecycle:  lc,
		publisher:  pub,
		states:     states,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[int64]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan recovery background task.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		w := NewWorker(workerID, p.podID, p.client, p.config, p.runner, p.lifecycle, p.publisher, p.states, p)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanRecovery(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current jobs before exiting.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeJobIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete",
			"count", len(active), "job_ids", active)
	}

	for _, w := range p.workers {
		w.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterJob stores a cancel function for manual cancellation.
func (p *Pool) RegisterJob(jobID int64, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *Pool) UnregisterJob(jobID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// CancelJob triggers context cancellation for a job running on this pod.
// Returns true if the job was found and cancelled here.
func (p *Pool) CancelJob(jobID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

func (p *Pool) activeJobIDs() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health := &PoolHealth{
		IsHealthy:     true,
		PodID:         p.podID,
		TotalWorkers:  len(p.workers),
		MaxConcurrent: p.config.MaxConcurrentJobs,
	}

	active, err := p.client.Job.Query().
		Where(job.StatusEQ(job.StatusRunning)).
		Count(ctx)
	if err != nil {
		health.IsHealthy = false
		health.DBError = err.Error()
	} else {
		health.DBReachable = true
		health.ActiveJobs = active
	}

	if depth, err := p.client.Job.Query().
		Where(job.StatusEQ(job.StatusQueued)).
		Count(ctx); err == nil {
		health.QueueDepth = depth
	}

	for _, w := range p.workers {
		health.WorkerStats = append(health.WorkerStats, w.Health())
	}

	p.orphanMu.Lock()
	health.LastOrphanScan = p.lastOrphanScan
	health.OrphansRecovered = p.orphansRecovered
	p.orphanMu.Unlock()

	return health
}

// runOrphanRecovery periodically requeues jobs whose worker died: running
// status with a heartbeat older than the stale cutoff.
func (p *Pool) runOrphanRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverOrphans(ctx)
		}
	}
}

// recoverOrphans finds stale running jobs and pushes them back through the
// retry path, so the recovery is audited like any other transition.
func (p *Pool) recoverOrphans(ctx context.Context) {
	p.orphanMu.Lock()
	p.lastOrphanScan = time.Now()
	p.orphanMu.Unlock()

	cutoff := time.Now().Add(-p.config.OrphanStaleAfter)
	orphans, err := p.client.Job.Query().
		Where(
			job.StatusEQ(job.StatusRunning),
			job.UpdatedAtLT(cutoff),
		).
		All(ctx)
	if err != nil {
		slog.Error("Orphan scan failed", "error", err)
		return
	}

	for _, o := range orphans {
		// Skip jobs this pod is actually running; their heartbeat may just
		// be delayed by a long database stall.
		p.mu.RLock()
		_, local := p.activeJobs[o.ID]
		p.mu.RUnlock()
		if local {
			continue
		}

		slog.Warn("Recovering orphaned job",
			"job_id", o.ID, "pod_id", o.PodID, "stale_since", o.UpdatedAt)

		if err := p.lifecycle.Retry(ctx, o.ID, "orphaned",
			fmt.Sprintf("worker on pod %s stopped heartbeating", o.PodID), nil); err != nil {
			slog.Error("Failed to mark orphan for retry", "job_id", o.ID, "error", err)
			continue
		}
		if err := p.client.Job.UpdateOneID(o.ID).ClearPodID().ClearTaskID().Exec(ctx); err != nil {
			slog.Warn("Failed to clear orphan claim", "job_id", o.ID, "error", err)
		}
		if err := p.lifecycle.Enqueue(ctx, o.ID, "default", "", ""); err != nil {
			slog.Error("Failed to requeue orphan", "job_id", o.ID, "error", err)
			continue
		}

		p.orphanMu.Lock()
		p.orphansRecovered++
		p.orphanMu.Unlock()
	}
}
