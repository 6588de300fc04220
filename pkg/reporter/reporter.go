// Package reporter is the worker-side producer of progress messages. It owns
// per-job event ID assignment, operation begin/end bookkeeping, and the
// fire-and-forget dispatch path that keeps worker code from blocking on
// broker I/O.
package reporter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forgecad/pulse/pkg/broker"
	"github.com/forgecad/pulse/pkg/progress"
)

// dispatchBuffer is the async publish queue depth per reporter.
const dispatchBuffer = 256

// publishTimeout bounds a single broker publish on the dispatch goroutine.
const publishTimeout = 5 * time.Second

// Publisher is the broker-facing publish contract. *broker.Broker satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg *progress.Message, force bool) (broker.Result, error)
}

// StateStore mirrors each published message into the task runner's own state
// so out-of-band pollers see the same cursor.
type StateStore interface {
	SetState(ctx context.Context, taskID, state string, meta map[string]interface{}) error
}

type dispatchItem struct {
	msg   *progress.Message
	force bool
}

// Reporter produces the progress stream for one job execution. It is the
// sole event_id writer for its job: IDs are strictly monotonic and no two
// emitted messages share one.
//
// Publishing is advisory and non-blocking: messages are handed to a dispatch
// goroutine, and a broker outage is logged, not surfaced to worker code. The
// authoritative record of the job's life is the audit chain, not this stream.
type Reporter struct {
	jobID  int64
	taskID string
	pub    Publisher
	states StateStore

	nextID atomic.Int64

	mu  sync.Mutex
	ops []*Operation

	dispatchCh chan dispatchItem
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithStateStore enables task-state mirroring. Without it, mirroring is off.
func WithStateStore(states StateStore) Option {
	return func(r *Reporter) { r.states = states }
}

// WithEventIDSeed starts event_id assignment after last, so a retried
// execution extends the job's stream instead of reusing the IDs its first
// execution already published.
func WithEventIDSeed(last int64) Option {
	return func(r *Reporter) { r.nextID.Store(last) }
}

// New creates a reporter for one job execution and starts its dispatch
// goroutine. Close must be called when the job finishes.
func New(pub Publisher, jobID int64, taskID string, opts ...Option) *Reporter {
	r := &Reporter{
		jobID:      jobID,
		taskID:     taskID,
		pub:        pub,
		dispatchCh: make(chan dispatchItem, dispatchBuffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.dispatchLoop()
	return r
}

// Close stops the dispatch goroutine after draining queued messages.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
		<-r.done
	})
}

// Report emits a generic progress update. Validation failures are returned
// and nothing is published; publish failures are logged by the dispatch
// goroutine and never surfaced here.
func (r *Reporter) Report(pct float64, message string, milestone bool, detail map[string]interface{}) error {
	return r.emit(&progress.Message{
		EventType:   progress.EventTypeProgressUpdate,
		ProgressPct: progress.PctOf(pct),
		Message:     message,
		Milestone:   milestone,
		Detail:      detail,
	}, milestone)
}

// ReportStatus emits a status_change message. Terminal statuses are
// milestones and bypass throttling.
func (r *Reporter) ReportStatus(status, message string) error {
	msg := &progress.Message{
		EventType: progress.EventTypeStatusChange,
		Status:    status,
		Message:   message,
	}
	msg.Milestone = msg.IsTerminal()
	return r.emit(msg, msg.Milestone)
}

// emit stamps identity fields, validates, and queues the message for
// dispatch. Milestones wait for queue space; ordinary updates are dropped
// when the queue is full.
func (r *Reporter) emit(msg *progress.Message, force bool) error {
	msg.JobID = r.jobID
	msg.EventID = r.nextID.Add(1)
	msg.Timestamp = progress.Now()
	msg.SchemaVersion = progress.SchemaVersion

	progress.Derive(msg)
	if err := progress.Validate(msg); err != nil {
		return err
	}

	item := dispatchItem{msg: msg, force: force || msg.Milestone}
	if item.force {
		select {
		case r.dispatchCh <- item:
		case <-r.quit:
		}
		return nil
	}
	select {
	case r.dispatchCh <- item:
	case <-r.quit:
	default:
		slog.Warn("Progress dispatch queue full, dropping update",
			"job_id", r.jobID, "event_id", msg.EventID)
	}
	return nil
}

// dispatchLoop publishes queued messages and mirrors each one into the task
// state store. It drains the queue on shutdown so end-of-operation milestones
// emitted just before Close are not lost.
func (r *Reporter) dispatchLoop() {
	defer close(r.done)
	for {
		select {
		case item := <-r.dispatchCh:
			r.publish(item)
		case <-r.quit:
			for {
				select {
				case item := <-r.dispatchCh:
					r.publish(item)
				default:
					return
				}
			}
		}
	}
}

func (r *Reporter) publish(item dispatchItem) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	res, err := r.pub.Publish(ctx, item.msg, item.force)
	if err != nil {
		slog.Warn("Progress publish failed",
			"job_id", r.jobID, "event_id", item.msg.EventID, "error", err)
		return
	}
	if res.Throttled {
		return
	}

	if r.states == nil || r.taskID == "" {
		return
	}
	meta := map[string]interface{}{
		"job_id":     r.jobID,
		"event_id":   item.msg.EventID,
		"event_type": string(item.msg.EventType),
		"milestone":  item.msg.Milestone,
		"timestamp":  item.msg.Timestamp,
	}
	if item.msg.ProgressPct != nil {
		meta["progress_pct"] = *item.msg.ProgressPct
	}
	if item.msg.Message != "" {
		meta["message"] = item.msg.Message
	}
	if item.msg.Status != "" {
		meta["status"] = item.msg.Status
	}
	if err := r.states.SetState(ctx, r.taskID, "PROGRESS", meta); err != nil {
		slog.Warn("Task state mirror failed",
			"job_id", r.jobID, "task_id", r.taskID, "error", err)
	}
}

// Operation is a scoped unit of work within a job: a begin milestone, step
// updates with derived percentage and ETA, and a guaranteed end milestone.
type Operation struct {
	r          *Reporter
	id         string
	name       string
	group      string
	totalSteps int
	started    time.Time
	ended      atomic.Bool
}

// ID returns the operation's correlation ID, carried on every message it
// emits.
func (op *Operation) ID() string {
	return op.id
}

// BeginOperation opens an operation, pushes it onto the per-job stack, and
// emits a phase=start milestone.
func (r *Reporter) BeginOperation(name, group string, totalSteps int) *Operation {
	op := &Operation{
		r:          r,
		id:         uuid.New().String(),
		name:       name,
		group:      group,
		totalSteps: totalSteps,
		started:    time.Now(),
	}
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()

	if err := r.emit(&progress.Message{
		EventType:      progress.EventTypePhase,
		OperationGroup: group,
		OperationID:    op.id,
		Phase:          progress.PhaseStart,
		StepTotal:      totalSteps,
		Message:        name,
	}, true); err != nil {
		slog.Warn("Operation start rejected", "job_id", r.jobID, "operation", name, "error", err)
	}
	return op
}

// Update emits a phase=progress message for the given step. The percentage is
// derived from step position, and when at least one step has completed, an
// ETA is extrapolated from the elapsed time.
func (op *Operation) Update(stepIndex int, message string) error {
	elapsed := time.Since(op.started).Milliseconds()
	msg := &progress.Message{
		EventType:      progress.EventTypePhase,
		OperationGroup: op.group,
		OperationID:    op.id,
		Phase:          progress.PhaseProgress,
		StepIndex:      stepIndex,
		StepTotal:      op.totalSteps,
		ElapsedMS:      elapsed,
		Message:        message,
	}
	if op.totalSteps > 0 && stepIndex > 0 {
		pct := math.Floor(float64(stepIndex) / float64(op.totalSteps) * 100)
		if pct > 100 {
			pct = 100
		}
		msg.ProgressPct = &pct
		if stepIndex <= op.totalSteps {
			msg.EtaMS = elapsed * int64(op.totalSteps-stepIndex) / int64(stepIndex)
		}
	}
	return op.r.emit(msg, false)
}

// End emits the phase=end milestone and pops the operation from the stack.
// Idempotent: only the first call emits.
func (op *Operation) End(success bool) {
	if op.ended.Swap(true) {
		return
	}

	op.r.mu.Lock()
	for i := len(op.r.ops) - 1; i >= 0; i-- {
		if op.r.ops[i] == op {
			op.r.ops = append(op.r.ops[:i], op.r.ops[i+1:]...)
			break
		}
	}
	op.r.mu.Unlock()

	if err := op.r.emit(&progress.Message{
		EventType:      progress.EventTypePhase,
		OperationGroup: op.group,
		OperationID:    op.id,
		Phase:          progress.PhaseEnd,
		StepTotal:      op.totalSteps,
		ElapsedMS:      time.Since(op.started).Milliseconds(),
		Message:        op.name,
		Detail:         map[string]interface{}{"success": success},
	}, true); err != nil {
		slog.Warn("Operation end rejected", "job_id", op.r.jobID, "operation", op.name, "error", err)
	}
}

// WithOperation runs fn inside an operation and guarantees the end milestone
// on every exit path, including panics.
func (r *Reporter) WithOperation(name, group string, totalSteps int, fn func(*Operation) error) (err error) {
	op := r.BeginOperation(name, group, totalSteps)
	defer func() {
		if p := recover(); p != nil {
			op.End(false)
			panic(p)
		}
		op.End(err == nil)
	}()
	return fn(op)
}
