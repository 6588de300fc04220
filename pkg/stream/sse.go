package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/forgecad/pulse/pkg/broker"
	"github.com/forgecad/pulse/pkg/progress"
)

// SSEStreamer serves job progress as an HTTP event stream. The id field of
// each progress event is the authoritative cursor: clients present it as
// Last-Event-ID on reconnection and the server replays everything newer.
type SSEStreamer struct {
	source    EventSource
	manager   *SessionManager
	keepalive time.Duration
}

// NewSSEStreamer creates the event-stream transport.
func NewSSEStreamer(source EventSource, manager *SessionManager, keepalive time.Duration) *SSEStreamer {
	return &SSEStreamer{
		source:    source,
		manager:   manager,
		keepalive: keepalive,
	}
}

// Stream writes the event stream until the job reaches a terminal status or
// the client disconnects. Blocks.
func (t *SSEStreamer) Stream(ctx context.Context, w http.ResponseWriter, sess *ClientSession, snapshot JobStatus, cursor int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disable intermediary buffering (nginx).
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	t.manager.Add(sess)
	defer t.manager.Remove(sess.ID)

	sw := &sseWriter{w: w, f: flusher}

	if err := sw.envelope(EnvelopeStatus, "", 0, statusEnvelope(sess.JobID, snapshot.Status, snapshot.Pct)); err != nil {
		return err
	}

	// Subscribe before replay; the cursor dedupes the overlap.
	sub := t.source.Subscribe(sess.JobID)
	defer sub.Close()

	replay, err := replayMessages(ctx, t.source, sess.JobID, cursor)
	if err != nil {
		_ = sw.envelope(EnvelopeError, "", retryBrokerDownMS,
			errorEnvelope(sess.JobID, "replay unavailable", retryBrokerDownMS))
		return err
	}
	for _, msg := range replay {
		if msg.EventID <= cursor || !sess.Filter.Allow(msg) {
			continue
		}
		if err := sw.progress(msg); err != nil {
			return err
		}
		cursor = msg.EventID
		if msg.IsTerminal() {
			return sw.envelope(EnvelopeComplete, "", 0, completeEnvelope(sess.JobID, msg.Status))
		}
	}

	// Keepalive is part of the receive loop, not a second goroutine.
	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := sw.envelope(EnvelopeKeepalive, "", retryKeepaliveMS, keepaliveEnvelope()); err != nil {
				return err
			}

		case msg, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), broker.ErrSlowConsumer) {
					_ = sw.envelope(EnvelopeError, "", retryStreamErrorMS,
						errorEnvelope(sess.JobID, "client too slow", retryStreamErrorMS))
					return sub.Err()
				}
				_ = sw.envelope(EnvelopeError, "", retryBrokerDownMS,
					errorEnvelope(sess.JobID, "stream interrupted", retryBrokerDownMS))
				return sub.Err()
			}
			if msg.EventID <= cursor || !sess.Filter.Allow(msg) {
				continue
			}
			if err := sw.progress(msg); err != nil {
				return err
			}
			cursor = msg.EventID
			if msg.IsTerminal() {
				return sw.envelope(EnvelopeComplete, "", 0, completeEnvelope(sess.JobID, msg.Status))
			}
		}
	}
}

// sseWriter frames events per the text/event-stream format.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// progress writes a progress event; the id field carries the resume cursor.
func (sw *sseWriter) progress(msg *progress.Message) error {
	data, err := progress.Encode(msg)
	if err != nil {
		return err
	}
	return sw.event(EnvelopeProgress, strconv.FormatInt(msg.EventID, 10), 0, data)
}

// envelope writes a non-progress event with an Envelope body.
func (sw *sseWriter) envelope(name, id string, retryMS int, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return sw.event(name, id, retryMS, data)
}

func (sw *sseWriter) event(name, id string, retryMS int, data []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\n", name); err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(sw.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if retryMS > 0 {
		if _, err := fmt.Fprintf(sw.w, "retry: %d\n", retryMS); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.f.Flush()
	return nil
}
