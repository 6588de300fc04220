package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecad/pulse/pkg/progress"
)

// wsFixture runs a WebSocketStreamer behind a test HTTP server.
type wsFixture struct {
	source  *fakeSource
	manager *SessionManager
	server  *httptest.Server
	result  chan error
}

func newWSFixture(t *testing.T, jobID int64, filter Filter, cursor int64) *wsFixture {
	t.Helper()
	fx := &wsFixture{
		source:  newFakeSource(),
		manager: NewSessionManager(),
		result:  make(chan error, 1),
	}
	streamer := NewWebSocketStreamer(fx.source, fx.manager, time.Second)

	fx.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			fx.result <- err
			return
		}
		sess := NewSession(jobID, "alice", TransportWebSocket, filter)
		fx.result <- streamer.Stream(r.Context(), conn, sess, JobStatus{Status: "running", Pct: 25}, cursor)
	}))
	t.Cleanup(fx.server.Close)
	return fx
}

func (fx *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// wireProgress is the client-side view of a progress frame: the message
// fields ride at the top level next to the frame name.
type wireProgress struct {
	Type string `json:"type"`
	progress.Message
}

func readProgress(t *testing.T, conn *websocket.Conn) wireProgress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame wireProgress
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWebSocket_ConnectionAndSnapshotFirst(t *testing.T) {
	fx := newWSFixture(t, 5, Filter{}, NoCursor)
	conn := fx.dial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	first := readEnvelope(t, conn)
	assert.Equal(t, EnvelopeConnection, first.Type)
	assert.Equal(t, int64(5), first.JobID)
	assert.NotEmpty(t, first.SessionID)

	second := readEnvelope(t, conn)
	assert.Equal(t, EnvelopeStatus, second.Type)
	assert.Equal(t, "running", second.Status)
}

func TestWebSocket_ReplayThenLiveThenComplete(t *testing.T) {
	fx := newWSFixture(t, 5, Filter{}, 0)
	fx.source.cache(liveMessage(5, 1, ""), liveMessage(5, 2, ""))

	conn := fx.dial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEnvelope(t, conn) // connection
	readEnvelope(t, conn) // status

	for want := int64(1); want <= 2; want++ {
		frame := readProgress(t, conn)
		require.Equal(t, EnvelopeProgress, frame.Type)
		assert.Equal(t, want, frame.EventID)
		assert.Equal(t, int64(5), frame.JobID)
	}

	waitForSubscriber(t, fx.source.hub, 5)
	fx.source.broadcast(liveMessage(5, 3, ""))
	fx.source.broadcast(liveMessage(5, 4, progress.StatusCompleted))

	frame := readProgress(t, conn)
	assert.Equal(t, int64(3), frame.EventID)
	frame = readProgress(t, conn)
	assert.Equal(t, int64(4), frame.EventID)
	env := readEnvelope(t, conn)
	assert.Equal(t, EnvelopeComplete, env.Type)
	assert.Equal(t, progress.StatusCompleted, env.Status)

	// The client reads nothing further; the stream must still wind down
	// promptly rather than waiting out a close handshake.
	select {
	case err := <-fx.result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after terminal envelope")
	}

	readCtx, cancelRead := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelRead()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "connection should be closed after the terminal envelope")
}

func TestWebSocket_ProgressFramesFlattened(t *testing.T) {
	fx := newWSFixture(t, 5, Filter{}, 0)
	fx.source.cache(liveMessage(5, 1, ""))
	conn := fx.dial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEnvelope(t, conn) // connection
	readEnvelope(t, conn) // status

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	// Message fields sit next to the frame name; nothing is nested.
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "progress", raw["type"])
	assert.Equal(t, float64(5), raw["job_id"])
	assert.Equal(t, float64(1), raw["event_id"])
	assert.Equal(t, progress.SchemaVersion, raw["schema_version"])
	assert.NotContains(t, raw, "progress")
}

func TestWebSocket_PingPong(t *testing.T) {
	fx := newWSFixture(t, 5, Filter{}, NoCursor)
	conn := fx.dial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEnvelope(t, conn) // connection
	readEnvelope(t, conn) // status

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"action":"ping"}`)))

	env := readEnvelope(t, conn)
	assert.Equal(t, EnvelopePong, env.Type)
	assert.False(t, env.Timestamp.IsZero())
}

func TestWebSocket_UnknownActionIgnored(t *testing.T) {
	fx := newWSFixture(t, 5, Filter{}, NoCursor)
	conn := fx.dial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEnvelope(t, conn) // connection
	readEnvelope(t, conn) // status

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"action":"dance"}`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"action":"ping"}`)))

	// The unknown action produced no reply; the next envelope is the pong.
	env := readEnvelope(t, conn)
	assert.Equal(t, EnvelopePong, env.Type)
}

func TestWebSocket_UnsubscribeClosesOrderly(t *testing.T) {
	fx := newWSFixture(t, 5, Filter{}, NoCursor)
	conn := fx.dial(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEnvelope(t, conn) // connection
	readEnvelope(t, conn) // status

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"action":"unsubscribe"}`)))

	select {
	case err := <-fx.result:
		assert.NoError(t, err, "client goodbye is an orderly close")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not exit on unsubscribe")
	}
}

func TestWebSocket_SessionCleanup(t *testing.T) {
	fx := newWSFixture(t, 5, Filter{}, NoCursor)
	conn := fx.dial(t)

	readEnvelope(t, conn) // connection
	assert.Equal(t, 1, fx.manager.JobSessionCount(5))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
	select {
	case <-fx.result:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not exit on client disconnect")
	}

	deadline := time.Now().Add(time.Second)
	for fx.manager.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, fx.manager.Count())
}
