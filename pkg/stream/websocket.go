package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/forgecad/pulse/pkg/broker"
)

// controlFrame is a client-to-server message on the push socket.
type controlFrame struct {
	Action string `json:"action"`
}

// WebSocketStreamer serves job progress over upgraded push-socket
// connections. The socket is bidirectional: clients may send ping and
// unsubscribe control frames at any time.
type WebSocketStreamer struct {
	source       EventSource
	manager      *SessionManager
	writeTimeout time.Duration
}

// NewWebSocketStreamer creates the push-socket transport.
func NewWebSocketStreamer(source EventSource, manager *SessionManager, writeTimeout time.Duration) *WebSocketStreamer {
	return &WebSocketStreamer{
		source:       source,
		manager:      manager,
		writeTimeout: writeTimeout,
	}
}

// Stream serves one connection until the job reaches a terminal status, the
// client says goodbye, or the transport fails. Blocks; the caller owns the
// upgrade and the final close.
func (t *WebSocketStreamer) Stream(parentCtx context.Context, conn *websocket.Conn, sess *ClientSession, snapshot JobStatus, cursor int64) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	t.manager.Add(sess)
	defer t.manager.Remove(sess.ID)

	if err := t.send(ctx, conn, connectionEnvelope(sess)); err != nil {
		return err
	}
	if err := t.send(ctx, conn, statusEnvelope(sess.JobID, snapshot.Status, snapshot.Pct)); err != nil {
		return err
	}

	// Subscribe before replay so events published in between are not lost;
	// the cursor dedupes the overlap.
	sub := t.source.Subscribe(sess.JobID)
	defer sub.Close()

	pongCh := make(chan struct{}, 1)
	go t.readLoop(ctx, cancel, conn, sess, pongCh)

	replay, err := replayMessages(ctx, t.source, sess.JobID, cursor)
	if err != nil {
		_ = t.send(ctx, conn, errorEnvelope(sess.JobID, "replay unavailable", retryBrokerDownMS))
		return err
	}
	for _, msg := range replay {
		if msg.EventID <= cursor || !sess.Filter.Allow(msg) {
			continue
		}
		if err := t.send(ctx, conn, newProgressFrame(msg)); err != nil {
			return err
		}
		cursor = msg.EventID
		if msg.IsTerminal() {
			return t.complete(ctx, cancel, conn, sess.JobID, msg.Status)
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Client goodbye or disconnect.
			return nil

		case <-pongCh:
			if err := t.send(ctx, conn, pongEnvelope()); err != nil {
				return err
			}

		case msg, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), broker.ErrSlowConsumer) {
					_ = t.send(ctx, conn, errorEnvelope(sess.JobID, "client too slow", retryStreamErrorMS))
					return sub.Err()
				}
				_ = t.send(ctx, conn, errorEnvelope(sess.JobID, "stream interrupted", retryBrokerDownMS))
				return sub.Err()
			}
			if msg.EventID <= cursor || !sess.Filter.Allow(msg) {
				continue
			}
			if err := t.send(ctx, conn, newProgressFrame(msg)); err != nil {
				return err
			}
			cursor = msg.EventID
			if msg.IsTerminal() {
				return t.complete(ctx, cancel, conn, sess.JobID, msg.Status)
			}
		}
	}
}

// readLoop processes client control frames until the connection closes.
func (t *WebSocketStreamer) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *ClientSession, pongCh chan struct{}) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("Invalid control frame", "session_id", sess.ID, "error", err)
			continue
		}
		switch frame.Action {
		case "ping":
			select {
			case pongCh <- struct{}{}:
			default:
			}
		case "unsubscribe":
			return
		default:
			slog.Debug("Ignoring unknown control action",
				"session_id", sess.ID, "action", frame.Action)
		}
	}
}

func (t *WebSocketStreamer) complete(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, jobID int64, status string) error {
	if err := t.send(ctx, conn, completeEnvelope(jobID, status)); err != nil {
		return err
	}
	// Release the read loop before closing: a reader parked in Read holds
	// the read half Close needs for its handshake, and a client that has
	// stopped reading would stall it until the handshake timeout. The
	// terminal envelope above already told the client the stream is over,
	// so whatever close state the connection lands in is acceptable.
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "job finished")
	return nil
}

func (t *WebSocketStreamer) send(ctx context.Context, conn *websocket.Conn, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
