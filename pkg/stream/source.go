package stream

import (
	"context"

	"github.com/forgecad/pulse/pkg/broker"
	"github.com/forgecad/pulse/pkg/progress"
)

// EventSource is the broker contract both transports consume.
// *broker.Broker satisfies it.
type EventSource interface {
	Subscribe(jobID int64) *broker.Subscription
	GetMissed(ctx context.Context, jobID, sinceEventID int64) ([]*progress.Message, error)
}

// JobStatus is the initial snapshot emitted when a session subscribes.
type JobStatus struct {
	Status string
	// Pct is the job's current progress, or -1 when unknown.
	Pct float64
}

// NoCursor marks a session that did not present a resume cursor: no replay,
// live events only.
const NoCursor int64 = -1

// replayMessages returns the cached messages a reconnecting session missed.
// Best effort: entries evicted by the trim window or TTL are simply absent.
func replayMessages(ctx context.Context, source EventSource, jobID, cursor int64) ([]*progress.Message, error) {
	if cursor == NoCursor {
		return nil, nil
	}
	return source.GetMissed(ctx, jobID, cursor)
}
