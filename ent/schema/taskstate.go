package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
)

// TaskState holds the schema definition for the task-runner state mirror.
// The reporter upserts one row per task on every publish so out-of-band
// pollers see the latest progress snapshot without a stream subscription.
type TaskState struct {
	ent.Schema
}

// Fields of the TaskState.
func (TaskState) Fields() []ent.Field {
	return []ent.Field{
		field.String("task_id").
			Unique().
			Immutable(),
		field.String("state").
			Comment("Runner state, e.g. PROGRESS, SUCCESS, FAILURE"),
		field.JSON("meta", map[string]interface{}{}).
			Optional(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}
