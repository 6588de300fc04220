package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/progressevent"
	"github.com/forgecad/pulse/pkg/progress"
)

// Cache reads the per-job ordered event stream. Appends happen on the
// publisher's write path; this type only queries.
type Cache struct {
	client *ent.Client
}

// NewCache creates a cache reader over the ent client.
func NewCache(client *ent.Client) *Cache {
	return &Cache{client: client}
}

// GetMissed returns cached messages for a job with event_id > sinceEventID,
// in ascending event_id order. Replay is best-effort: entries evicted by the
// trim window or the stream TTL are simply absent, and the client reconciles
// via the snapshot endpoint.
func (c *Cache) GetMissed(ctx context.Context, jobID, sinceEventID int64) ([]*progress.Message, error) {
	rows, err := c.client.ProgressEvent.Query().
		Where(
			progressevent.JobIDEQ(jobID),
			progressevent.EventIDGT(sinceEventID),
		).
		Order(ent.Asc(progressevent.FieldEventID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("query missed events: %w", err)
	}
	return decodeRows(rows)
}

// Recent returns up to count cached messages for a job, newest first.
// Used by the snapshot fallback endpoint.
func (c *Cache) Recent(ctx context.Context, jobID int64, count int) ([]*progress.Message, error) {
	rows, err := c.client.ProgressEvent.Query().
		Where(progressevent.JobIDEQ(jobID)).
		Order(ent.Desc(progressevent.FieldEventID)).
		Limit(count).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	return decodeRows(rows)
}

// LastEventID returns the newest event_id in a job's stream, or 0 when the
// stream is empty. The trim window keeps the newest entries, so this is the
// last ID any producer assigned unless the whole stream has expired.
func (c *Cache) LastEventID(ctx context.Context, jobID int64) (int64, error) {
	row, err := c.client.ProgressEvent.Query().
		Where(progressevent.JobIDEQ(jobID)).
		Order(ent.Desc(progressevent.FieldEventID)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("query last event_id: %w", err)
	}
	return row.EventID, nil
}

// Get returns a single cached message by its ordering key, or nil if evicted.
func (c *Cache) Get(ctx context.Context, jobID, eventID int64) (*progress.Message, error) {
	row, err := c.client.ProgressEvent.Query().
		Where(
			progressevent.JobIDEQ(jobID),
			progressevent.EventIDEQ(eventID),
		).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query cached event: %w", err)
	}
	return decodeRow(row)
}

func decodeRows(rows []*ent.ProgressEvent) ([]*progress.Message, error) {
	msgs := make([]*progress.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decodeRow(row *ent.ProgressEvent) (*progress.Message, error) {
	// Payload is stored as JSON; round-trip through bytes to get the typed
	// message back.
	raw, err := json.Marshal(row.Payload)
	if err != nil {
		return nil, fmt.Errorf("re-marshal cached payload (job %d, event %d): %w", row.JobID, row.EventID, err)
	}
	msg, err := progress.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode cached payload (job %d, event %d): %w", row.JobID, row.EventID, err)
	}
	return msg, nil
}
