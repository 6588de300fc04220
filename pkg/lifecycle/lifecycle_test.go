package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecad/pulse/ent/job"
	"github.com/forgecad/pulse/pkg/audit"
	"github.com/forgecad/pulse/pkg/broker"
	"github.com/forgecad/pulse/pkg/progress"
	"github.com/forgecad/pulse/pkg/services"
	"github.com/forgecad/pulse/test/util"
)

type capturingPublisher struct {
	mu   sync.Mutex
	msgs []*progress.Message
}

func (p *capturingPublisher) Publish(_ context.Context, msg *progress.Message, _ bool) (broker.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return broker.Result{EventID: msg.EventID}, nil
}

func (p *capturingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Status)
	}
	return out
}

// failingStore rejects every append, simulating an audit outage.
type failingStore struct{}

func (failingStore) Latest(context.Context, int64) (*audit.Entry, error) { return nil, nil }
func (failingStore) Insert(context.Context, *audit.Entry) (*audit.Entry, error) {
	return nil, errors.New("audit store down")
}
func (failingStore) List(context.Context, int64) ([]*audit.Entry, error) { return nil, nil }

func newTestManager(t *testing.T) (*Manager, *capturingPublisher, *audit.MemoryStore) {
	client, _ := util.SetupTestDatabase(t)
	store := audit.NewMemoryStore()
	pub := &capturingPublisher{}
	return NewManager(client, audit.NewService(store), pub), pub, store
}

func TestCreate(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, CreateSpec{
		OwnerID:  "alice",
		JobType:  "assembly_solve",
		Priority: 2,
		Params:   map[string]interface{}{"document": "bracket.FCStd"},
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusCreated, row.Status)
	assert.Equal(t, "alice", row.OwnerID)

	entries := store.Entries(row.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindCreated, entries[0].Kind)
	assert.Equal(t, "alice", entries[0].ActorID)
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateSpec{JobType: "assembly_solve"})
	var vErr *services.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "owner_id", vErr.Field)

	_, err = m.Create(ctx, CreateSpec{OwnerID: "alice"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "job_type", vErr.Field)
}

func TestFullLifecycle(t *testing.T) {
	m, pub, store := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, CreateSpec{OwnerID: "alice", JobType: "export"})
	require.NoError(t, err)

	require.NoError(t, m.Enqueue(ctx, row.ID, "default", "", "alice"))
	require.NoError(t, m.Start(ctx, row.ID, "pod-1", "task-1"))
	require.NoError(t, m.Progress(ctx, row.ID, 40, "halfway-ish"))
	require.NoError(t, m.Succeed(ctx, row.ID, "exported 3 files", 12345))

	final, err := m.client.Job.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, "pod-1", final.PodID)

	kinds := make([]audit.Kind, 0)
	for _, e := range store.Entries(row.ID) {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []audit.Kind{
		audit.KindCreated, audit.KindQueued, audit.KindStarted,
		audit.KindProgress, audit.KindSucceeded,
	}, kinds)

	// Every transition (not the progress checkpoint) published a status change.
	assert.Equal(t, []string{"queued", "running", "completed"}, pub.statuses())
}

func TestInvalidTransitions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, CreateSpec{OwnerID: "alice", JobType: "export"})
	require.NoError(t, err)

	// created → running skips the queue.
	err = m.Start(ctx, row.ID, "pod-1", "task-1")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	// Terminal states accept nothing further.
	require.NoError(t, m.Cancel(ctx, row.ID, "changed my mind", "user"))
	err = m.Enqueue(ctx, row.ID, "default", "", "alice")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	// Unknown job.
	err = m.Enqueue(ctx, 99999, "default", "", "alice")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestFailedStaysReplayable(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, CreateSpec{OwnerID: "alice", JobType: "export"})
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(ctx, row.ID, "default", "", "alice"))
	require.NoError(t, m.Start(ctx, row.ID, "pod-1", "task-1"))
	require.NoError(t, m.Fail(ctx, row.ID, "occt_error", "boolean op failed", "trace"))

	failed, err := m.client.Job.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, failed.Status)
	assert.Equal(t, "boolean op failed", failed.ErrorMessage)

	// Dead-letter replay requeues it.
	require.NoError(t, m.ReplayDLQ(ctx, row.ID, "jobs.dlq", "boolean op failed", 1, "admin"))
	replayed, err := m.client.Job.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, replayed.Status)
	assert.Empty(t, replayed.ErrorMessage)
}

func TestRetryIncrementsCount(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, CreateSpec{OwnerID: "alice", JobType: "export"})
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(ctx, row.ID, "default", "", "alice"))
	require.NoError(t, m.Start(ctx, row.ID, "pod-1", "task-1"))
	require.NoError(t, m.Retry(ctx, row.ID, "transient", "connection reset", nil))

	retried, err := m.client.Job.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetrying, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
}

func TestCancelValidatesActor(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Cancel(context.Background(), 1, "reason", "robot")
	var vErr *services.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "cancelled_by", vErr.Field)
}

func TestProgressBounds(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Progress(context.Background(), 1, 101, "")
	var vErr *services.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestAuditFailureAbortsTransition(t *testing.T) {
	client, _ := util.SetupTestDatabase(t)
	pub := &capturingPublisher{}

	// Create the row with a working audit store, then swap in a broken one.
	working := NewManager(client, audit.NewService(audit.NewMemoryStore()), pub)
	row, err := working.Create(context.Background(), CreateSpec{OwnerID: "alice", JobType: "export"})
	require.NoError(t, err)

	broken := NewManager(client, audit.NewService(failingStore{}), pub)
	err = broken.Enqueue(context.Background(), row.ID, "default", "", "alice")
	require.Error(t, err)

	// The row never moved and no status change was published.
	after, err := client.Job.Get(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCreated, after.Status)
	assert.Empty(t, pub.statuses())
}
