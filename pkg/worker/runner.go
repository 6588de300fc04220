package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/pkg/reporter"
)

// RunnerFunc adapts a plain function to the JobRunner interface.
type RunnerFunc func(ctx context.Context, job *ent.Job, rep *reporter.Reporter) error

// Run implements JobRunner.
func (f RunnerFunc) Run(ctx context.Context, job *ent.Job, rep *reporter.Reporter) error {
	return f(ctx, job, rep)
}

// Registry dispatches claimed jobs to the runner registered for their
// job_type. A job whose type has no registered runner fails; it never sits
// in the queue waiting for a handler that does not exist on this binary.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]JobRunner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]JobRunner)}
}

// Register binds a runner to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, runner JobRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[jobType] = runner
}

// Run implements JobRunner by dispatching on the job's type.
func (r *Registry) Run(ctx context.Context, job *ent.Job, rep *reporter.Reporter) error {
	r.mu.RLock()
	runner, ok := r.runners[job.JobType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no runner registered for job type %q", job.JobType)
	}
	return runner.Run(ctx, job, rep)
}
