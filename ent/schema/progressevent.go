package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ProgressEvent holds the schema definition for the per-job progress cache.
// Rows are ephemeral: appended by the broker on publish, trimmed to the
// newest window per job, and reaped as a whole stream once the newest append
// exceeds the TTL. Replay (Last-Event-ID resumption) reads from here.
type ProgressEvent struct {
	ent.Schema
}

// Fields of the ProgressEvent.
func (ProgressEvent) Fields() []ent.Field {
	return []ent.Field{
		field.Int64("job_id").
			Immutable(),
		field.Int64("event_id").
			Immutable().
			Comment("Reporter-assigned monotonic per-job sequence; sole ordering key"),
		field.String("channel").
			Immutable().
			Comment("Cache key, job:progress:cache:{job_id}"),
		field.JSON("payload", map[string]interface{}{}).
			Immutable(),
		field.Bool("milestone").
			Default(false).
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the ProgressEvent.
func (ProgressEvent) Indexes() []ent.Index {
	return []ent.Index{
		// Replay range scans and trim both key on (job_id, event_id).
		// Unique so a duplicate event_id (forbidden, but possible with two
		// misconfigured publishers) resolves last-writer-wins via upsert.
		index.Fields("job_id", "event_id").
			Unique(),
		// Stream TTL reaping
		index.Fields("created_at"),
	}
}
