package progress

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ValidationError reports a message that failed schema validation. Invalid
// messages are rejected at the producer boundary and never published.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid progress message: field %q: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks a message against the v2 schema. It fails closed: unknown
// event types, out-of-range percentages, negative counters, and done > total
// are all rejected.
func Validate(m *Message) error {
	if m.JobID <= 0 {
		return invalid("job_id", "must be positive")
	}
	if m.EventID < 0 {
		return invalid("event_id", "must not be negative")
	}
	if m.Timestamp.IsZero() {
		return invalid("timestamp", "required")
	}
	if m.SchemaVersion != SchemaVersion {
		return invalid("schema_version", fmt.Sprintf("must be %q", SchemaVersion))
	}
	if !validEventType(m.EventType) {
		return invalid("event_type", fmt.Sprintf("unknown event type %q", m.EventType))
	}
	switch m.Phase {
	case "", PhaseStart, PhaseProgress, PhaseEnd:
	default:
		return invalid("phase", fmt.Sprintf("unknown phase %q", m.Phase))
	}
	if m.StepIndex < 0 || m.StepTotal < 0 || (m.StepTotal > 0 && m.StepIndex > m.StepTotal) {
		return invalid("step_index", "requires 0 <= step_index <= step_total")
	}
	if m.ItemsDone < 0 || m.ItemsTotal < 0 || (m.ItemsTotal > 0 && m.ItemsDone > m.ItemsTotal) {
		return invalid("items_done", "requires 0 <= items_done <= items_total")
	}
	if m.ProgressPct != nil && (*m.ProgressPct < 0 || *m.ProgressPct > 100) {
		return invalid("progress_pct", "must be within [0, 100]")
	}
	if m.ElapsedMS < 0 {
		return invalid("elapsed_ms", "must not be negative")
	}
	if m.EtaMS < 0 {
		return invalid("eta_ms", "must not be negative")
	}
	if m.Status != "" {
		switch m.Status {
		case "created", "queued", "running", "retrying",
			StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		default:
			return invalid("status", fmt.Sprintf("unknown status %q", m.Status))
		}
	}
	return nil
}

// Derive fills the fields the schema defines as derivable and returns the
// same message:
//   - progress_pct from items_done/items_total when absent,
//   - milestone=true when phase is start or end,
//   - operation_group from event_type when absent.
//
// Derivation never overrides values the producer set explicitly.
func Derive(m *Message) *Message {
	if m.ProgressPct == nil && m.ItemsTotal > 0 {
		pct := math.Floor(float64(m.ItemsDone) / float64(m.ItemsTotal) * 100)
		if pct > 100 {
			pct = 100
		}
		m.ProgressPct = &pct
	}
	if m.Phase == PhaseStart || m.Phase == PhaseEnd {
		m.Milestone = true
	}
	if m.OperationGroup == "" {
		m.OperationGroup = operationGroups[m.EventType]
	}
	return m
}

// Encode serializes a message as UTF-8 JSON. Timestamps are normalized to
// UTC so the encoding is stable across producer timezones.
func Encode(m *Message) ([]byte, error) {
	c := *m
	c.Timestamp = c.Timestamp.UTC()
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("encode progress message: %w", err)
	}
	return data, nil
}

// Decode parses and validates a message from its JSON encoding.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode progress message: %w", err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Now returns the timestamp for a freshly built message. Split out so tests
// can build deterministic messages.
func Now() time.Time {
	return time.Now().UTC()
}
