// Package progress defines the versioned progress message schema shared by
// the worker reporter, the broker, and the client transports.
package progress

import "time"

// SchemaVersion is the wire schema version stamped on every message.
const SchemaVersion = "2.0"

// EventType is the closed set of message variants.
type EventType string

// Event type values.
const (
	EventTypePhase          EventType = "phase"
	EventTypeDocument       EventType = "document"
	EventTypeAssembly4      EventType = "assembly4"
	EventTypeMaterial       EventType = "material"
	EventTypeOCCT           EventType = "occt"
	EventTypeTopologyHash   EventType = "topology_hash"
	EventTypeDocGraph       EventType = "doc_graph"
	EventTypeExport         EventType = "export"
	EventTypeProgressUpdate EventType = "progress_update"
	EventTypeStatusChange   EventType = "status_change"
)

// Phase marks the position of a message within an operation's lifetime.
type Phase string

// Phase values.
const (
	PhaseStart    Phase = "start"
	PhaseProgress Phase = "progress"
	PhaseEnd      Phase = "end"
)

// Terminal job status values. A subscriber loop exits when a message carries
// one of these in its Status field.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// operationGroups maps each event type to its coarse operation group, used
// when a producer does not set one explicitly.
var operationGroups = map[EventType]string{
	EventTypePhase:          "lifecycle",
	EventTypeDocument:       "document",
	EventTypeAssembly4:      "solver",
	EventTypeMaterial:       "material",
	EventTypeOCCT:           "geometry",
	EventTypeTopologyHash:   "geometry",
	EventTypeDocGraph:       "document",
	EventTypeExport:         "export",
	EventTypeProgressUpdate: "generic",
	EventTypeStatusChange:   "lifecycle",
}

// validEventTypes is derived from operationGroups; the two sets are identical.
func validEventType(t EventType) bool {
	_, ok := operationGroups[t]
	return ok
}

// KnownEventType reports whether t belongs to the closed schema v2 set. Used
// by the HTTP layer to validate filter_types before a session is created.
func KnownEventType(t EventType) bool {
	return validEventType(t)
}

// Message is a single immutable record describing one observable moment in a
// job's life (schema v2). EventID is assigned by exactly one writer per job
// (the reporter); consumers treat it as the sole ordering key.
type Message struct {
	JobID         int64     `json:"job_id"`
	EventID       int64     `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion string    `json:"schema_version"`
	EventType     EventType `json:"event_type"`

	OperationGroup string `json:"operation_group,omitempty"`
	OperationID    string `json:"operation_id,omitempty"`
	Phase          Phase  `json:"phase,omitempty"`

	StepIndex int `json:"step_index,omitempty"`
	StepTotal int `json:"step_total,omitempty"`

	ItemsDone  int `json:"items_done,omitempty"`
	ItemsTotal int `json:"items_total,omitempty"`

	// ProgressPct is a pointer so "absent" (derive from items) is
	// distinguishable from an explicit zero.
	ProgressPct *float64 `json:"progress_pct,omitempty"`

	ElapsedMS int64 `json:"elapsed_ms,omitempty"`
	EtaMS     int64 `json:"eta_ms,omitempty"`

	Milestone bool   `json:"milestone,omitempty"`
	Message   string `json:"message,omitempty"`

	// Status carries the job status on status_change messages. Terminal
	// values drain subscriber sessions.
	Status string `json:"status,omitempty"`

	// Domain-specific payload, keyed per variant (constraints_resolved,
	// shapes_done, bytes_written, computed_hash, ...).
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// Pct returns the message's progress percentage, or -1 when unset.
func (m *Message) Pct() float64 {
	if m.ProgressPct == nil {
		return -1
	}
	return *m.ProgressPct
}

// IsTerminal reports whether the message carries a terminal job status.
func (m *Message) IsTerminal() bool {
	switch m.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// PctOf returns a pointer to v, for building messages with an explicit
// progress percentage.
func PctOf(v float64) *float64 {
	return &v
}
