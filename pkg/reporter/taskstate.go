package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/taskstate"
)

// EntStateStore persists task-runner state in the task_states table, one row
// per task, newest write wins.
type EntStateStore struct {
	client *ent.Client
}

// NewEntStateStore creates the database-backed state store.
func NewEntStateStore(client *ent.Client) *EntStateStore {
	return &EntStateStore{client: client}
}

// SetState upserts the task's state row.
func (s *EntStateStore) SetState(ctx context.Context, taskID, state string, meta map[string]interface{}) error {
	err := s.client.TaskState.Create().
		SetTaskID(taskID).
		SetState(state).
		SetMeta(meta).
		SetUpdatedAt(time.Now()).
		OnConflictColumns(taskstate.FieldTaskID).
		UpdateNewValues().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set task state %s: %w", taskID, err)
	}
	return nil
}

// GetState returns the task's state row, or nil when the task is unknown.
func (s *EntStateStore) GetState(ctx context.Context, taskID string) (*ent.TaskState, error) {
	row, err := s.client.TaskState.Query().
		Where(taskstate.TaskIDEQ(taskID)).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task state %s: %w", taskID, err)
	}
	return row, nil
}
