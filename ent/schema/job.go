package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Job holds the schema definition for a background compute job (model build,
// CAD computation). Progress delivery and the audit chain hang off its ID.
type Job struct {
	ent.Schema
}

// Fields of the Job.
func (Job) Fields() []ent.Field {
	return []ent.Field{
		field.Int64("id"),
		field.String("owner_id").
			Immutable().
			Comment("Subject that created the job; drives stream authorization"),
		field.String("job_type").
			Immutable(),
		field.Enum("status").
			Values(
				"created",
				"queued",
				"running",
				"retrying",
				"completed",
				"failed",
				"cancelled",
				"timeout",
			).
			Default("created"),
		field.Int("priority").
			Default(0),
		field.Int("progress").
			Default(0).
			Comment("Last reported percentage, 0-100 (polling snapshot)"),
		field.JSON("params", map[string]interface{}{}).
			Optional(),
		field.String("idempotency_key").
			Optional().
			Nillable().
			Immutable(),
		field.String("pod_id").
			Optional().
			Comment("Pod that claimed the job (multi-replica coordination)"),
		field.String("task_id").
			Optional().
			Comment("Task-runner ID for state mirroring"),
		field.Int("retry_count").
			Default(0),
		field.String("error_message").
			Optional(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
		field.Time("queued_at").
			Optional().
			Nillable(),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
	}
}

// Indexes of the Job.
func (Job) Indexes() []ent.Index {
	return []ent.Index{
		// Queue polling (claim next queued job FIFO)
		index.Fields("status", "created_at"),
		index.Fields("owner_id"),
	}
}
