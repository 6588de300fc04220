package stream

import (
	"time"

	"github.com/forgecad/pulse/pkg/progress"
)

// Envelope types sent to clients. Both transports use the same set; SSE
// additionally carries the type as the event name.
const (
	EnvelopeConnection = "connection"
	EnvelopeStatus     = "status"
	EnvelopeProgress   = "progress"
	EnvelopeComplete   = "complete"
	EnvelopeError      = "error"
	EnvelopePong       = "pong"
	EnvelopeKeepalive  = "keepalive"
)

// Retry hints (milliseconds) carried on error and keepalive envelopes.
const (
	retryKeepaliveMS   = 1000
	retryStreamErrorMS = 5000
	retryBrokerDownMS  = 10000
)

// Envelope frames everything the server sends over a session.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	SessionID string `json:"session_id,omitempty"`
	JobID     int64  `json:"job_id,omitempty"`

	// Progress carries the snapshot message on status envelopes. Live and
	// replayed messages do not use Envelope at all: they go out as
	// progressFrame with the message fields flattened.
	Progress *progress.Message `json:"progress,omitempty"`

	// Status is the job status on status and complete envelopes.
	Status string `json:"status,omitempty"`

	Message string `json:"message,omitempty"`

	// RetryMS hints how long the client should wait before reconnecting.
	RetryMS int `json:"retry_ms,omitempty"`
}

func connectionEnvelope(s *ClientSession) Envelope {
	return Envelope{
		Type:      EnvelopeConnection,
		Timestamp: time.Now().UTC(),
		SessionID: s.ID,
		JobID:     s.JobID,
	}
}

func statusEnvelope(jobID int64, status string, pct float64) Envelope {
	env := Envelope{
		Type:      EnvelopeStatus,
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		Status:    status,
	}
	if pct >= 0 {
		env.Progress = &progress.Message{
			JobID:         jobID,
			Timestamp:     env.Timestamp,
			SchemaVersion: progress.SchemaVersion,
			EventType:     progress.EventTypeStatusChange,
			Status:        status,
			ProgressPct:   progress.PctOf(pct),
		}
	}
	return env
}

// progressFrame is the push-socket rendering of a live or replayed message:
// the ProgressMessage fields at the top level with the frame name added.
type progressFrame struct {
	Type string `json:"type"`
	*progress.Message
}

func newProgressFrame(msg *progress.Message) progressFrame {
	return progressFrame{Type: EnvelopeProgress, Message: msg}
}

func completeEnvelope(jobID int64, status string) Envelope {
	return Envelope{
		Type:      EnvelopeComplete,
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		Status:    status,
	}
}

func errorEnvelope(jobID int64, message string, retryMS int) Envelope {
	return Envelope{
		Type:      EnvelopeError,
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		Message:   message,
		RetryMS:   retryMS,
	}
}

func pongEnvelope() Envelope {
	return Envelope{Type: EnvelopePong, Timestamp: time.Now().UTC()}
}

func keepaliveEnvelope() Envelope {
	return Envelope{Type: EnvelopeKeepalive, Timestamp: time.Now().UTC()}
}
