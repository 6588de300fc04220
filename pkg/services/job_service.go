package services

import (
	"context"
	"fmt"
	"time"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/job"
)

// Subject is the authenticated caller of a session or request.
type Subject struct {
	ID    string
	Admin bool
}

// JobSnapshot is the read-model handed to transports and the snapshot
// endpoint. The snapshot is the reconciliation path for clients that lost
// events, so it carries the full terminal detail.
type JobSnapshot struct {
	ID           int64      `json:"id"`
	OwnerID      string     `json:"owner_id"`
	JobType      string     `json:"job_type"`
	Status       string     `json:"status"`
	Progress     float64    `json:"progress"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// JobService is the read path over jobs: lookup and the owner-or-admin
// authorization rule every session goes through.
type JobService struct {
	client *ent.Client
}

// NewJobService creates a new JobService.
func NewJobService(client *ent.Client) *JobService {
	return &JobService{client: client}
}

// GetJob retrieves a job by ID. Returns ErrNotFound for unknown IDs.
func (s *JobService) GetJob(ctx context.Context, jobID int64) (*ent.Job, error) {
	row, err := s.client.Job.Get(ctx, jobID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %d: %w", jobID, err)
	}
	return row, nil
}

// AuthorizeForJob retrieves a job and checks that the subject may observe it:
// the subject owns the job or holds the admin role. Returns ErrNotFound for
// unknown jobs and ErrForbidden for foreign ones.
func (s *JobService) AuthorizeForJob(ctx context.Context, subject Subject, jobID int64) (*ent.Job, error) {
	row, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !subject.Admin && row.OwnerID != subject.ID {
		return nil, ErrForbidden
	}
	return row, nil
}

// ListByStatus returns jobs in the given status, oldest first. Used by the
// orphan requeue pass on startup.
func (s *JobService) ListByStatus(ctx context.Context, status job.Status) ([]*ent.Job, error) {
	rows, err := s.client.Job.Query().
		Where(job.StatusEQ(status)).
		Order(ent.Asc(job.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return rows, nil
}

// Snapshot projects a job row into the transport read-model.
func Snapshot(row *ent.Job) JobSnapshot {
	return JobSnapshot{
		ID:           row.ID,
		OwnerID:      row.OwnerID,
		JobType:      row.JobType,
		Status:       string(row.Status),
		Progress:     float64(row.Progress),
		RetryCount:   row.RetryCount,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    row.CreatedAt,
		StartedAt:    row.StartedAt,
		CompletedAt:  row.CompletedAt,
	}
}
