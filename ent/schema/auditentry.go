package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AuditEntry holds the schema definition for the per-job tamper-evident log.
// Entries are append-only and retained indefinitely: chain_hash links each
// entry to its predecessor via SHA-256 over the canonical payload, so any
// later mutation is detectable by re-deriving the chain.
type AuditEntry struct {
	ent.Schema
}

// Fields of the AuditEntry.
func (AuditEntry) Fields() []ent.Field {
	return []ent.Field{
		field.Int64("job_id").
			Immutable(),
		field.Enum("event_kind").
			Values(
				"created",
				"queued",
				"started",
				"progress",
				"retrying",
				"cancelled",
				"failed",
				"succeeded",
				"dlq_replayed",
			).
			Immutable(),
		field.String("actor_id").
			Optional().
			Nillable().
			Immutable(),
		field.JSON("payload", map[string]interface{}{}).
			Immutable().
			Comment("Caller payload plus job_id/event_kind/prev_hash/chain_hash for self-containment"),
		field.String("prev_hash").
			MaxLen(64).
			Immutable().
			Comment("chain_hash of the predecessor; 64 zero-hex chars for the genesis entry"),
		field.String("chain_hash").
			MaxLen(64).
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the AuditEntry.
func (AuditEntry) Indexes() []ent.Index {
	return []ent.Index{
		// Chain walk in insertion order, and latest-entry lookup on append.
		index.Fields("job_id", "id"),
	}
}
