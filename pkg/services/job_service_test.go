package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/job"
	"github.com/forgecad/pulse/test/util"
)

func newTestJobService(t *testing.T) (*JobService, *ent.Client) {
	client, _ := util.SetupTestDatabase(t)
	return NewJobService(client), client
}

func createJob(t *testing.T, client *ent.Client, ownerID string, status job.Status) *ent.Job {
	row, err := client.Job.Create().
		SetOwnerID(ownerID).
		SetJobType("export").
		SetStatus(status).
		Save(context.Background())
	require.NoError(t, err)
	return row
}

func TestGetJob(t *testing.T) {
	svc, client := newTestJobService(t)
	ctx := context.Background()

	row := createJob(t, client, "alice", job.StatusQueued)

	got, err := svc.GetJob(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, row.ID, got.ID)
	assert.Equal(t, "alice", got.OwnerID)

	_, err = svc.GetJob(ctx, 99999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizeForJob(t *testing.T) {
	svc, client := newTestJobService(t)
	ctx := context.Background()

	row := createJob(t, client, "alice", job.StatusRunning)

	t.Run("owner allowed", func(t *testing.T) {
		got, err := svc.AuthorizeForJob(ctx, Subject{ID: "alice"}, row.ID)
		require.NoError(t, err)
		assert.Equal(t, row.ID, got.ID)
	})

	t.Run("admin allowed on foreign job", func(t *testing.T) {
		_, err := svc.AuthorizeForJob(ctx, Subject{ID: "root", Admin: true}, row.ID)
		assert.NoError(t, err)
	})

	t.Run("foreign subject forbidden", func(t *testing.T) {
		_, err := svc.AuthorizeForJob(ctx, Subject{ID: "mallory"}, row.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("unknown job is not found, even for admins", func(t *testing.T) {
		_, err := svc.AuthorizeForJob(ctx, Subject{ID: "root", Admin: true}, 99999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListByStatus(t *testing.T) {
	svc, client := newTestJobService(t)
	ctx := context.Background()

	first := createJob(t, client, "alice", job.StatusQueued)
	second := createJob(t, client, "bob", job.StatusQueued)
	createJob(t, client, "alice", job.StatusRunning)

	rows, err := svc.ListByStatus(ctx, job.StatusQueued)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, first.ID, rows[0].ID, "oldest first")
	assert.Equal(t, second.ID, rows[1].ID)
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	done := now.Add(90 * time.Second)
	row := &ent.Job{
		ID:           7,
		OwnerID:      "alice",
		JobType:      "export",
		Status:       job.StatusCompleted,
		Progress:     100,
		RetryCount:   1,
		ErrorMessage: "",
		CreatedAt:    now,
		StartedAt:    &now,
		CompletedAt:  &done,
	}

	snap := Snapshot(row)
	assert.Equal(t, int64(7), snap.ID)
	assert.Equal(t, "completed", snap.Status)
	assert.Equal(t, 100.0, snap.Progress)
	assert.Equal(t, 1, snap.RetryCount)
	assert.Empty(t, snap.ErrorMessage)
	require.NotNil(t, snap.CompletedAt)
	assert.Equal(t, done, *snap.CompletedAt)
}
