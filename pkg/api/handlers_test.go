package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/job"
	"github.com/forgecad/pulse/pkg/broker"
	"github.com/forgecad/pulse/pkg/lifecycle"
	"github.com/forgecad/pulse/pkg/progress"
	"github.com/forgecad/pulse/pkg/services"
)

// fakeJobs implements JobAuthorizer over an in-memory map with the real
// owner-or-admin rule.
type fakeJobs struct {
	jobs map[int64]*ent.Job
}

func (f *fakeJobs) AuthorizeForJob(_ context.Context, subject services.Subject, jobID int64) (*ent.Job, error) {
	row, ok := f.jobs[jobID]
	if !ok {
		return nil, services.ErrNotFound
	}
	if !subject.Admin && row.OwnerID != subject.ID {
		return nil, services.ErrForbidden
	}
	return row, nil
}

// fakeLifecycle records transition calls.
type fakeLifecycle struct {
	mu        sync.Mutex
	created   []lifecycle.CreateSpec
	enqueued  []int64
	cancelled []int64
	reasons   []string
}

func (f *fakeLifecycle) Create(_ context.Context, spec lifecycle.CreateSpec) (*ent.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return &ent.Job{
		ID:      int64(100 + len(f.created)),
		OwnerID: spec.OwnerID,
		JobType: spec.JobType,
		Status:  job.StatusCreated,
	}, nil
}

func (f *fakeLifecycle) Enqueue(_ context.Context, jobID int64, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeLifecycle) Cancel(_ context.Context, jobID int64, reason, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	f.reasons = append(f.reasons, reason)
	return nil
}

// fakeSource serves replay and the recent window from a fixed slice, and live
// delivery through a real broker hub.
type fakeSource struct {
	hub *broker.Hub

	mu     sync.Mutex
	cached []*progress.Message
}

func newFakeSource() *fakeSource {
	return &fakeSource{hub: broker.NewHub()}
}

func (f *fakeSource) Subscribe(jobID int64) *broker.Subscription {
	return f.hub.Subscribe(broker.JobChannel(jobID))
}

func (f *fakeSource) GetMissed(_ context.Context, jobID, sinceEventID int64) ([]*progress.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*progress.Message
	for _, msg := range f.cached {
		if msg.JobID == jobID && msg.EventID > sinceEventID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeSource) Recent(_ context.Context, jobID int64, count int) ([]*progress.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*progress.Message
	for i := len(f.cached) - 1; i >= 0 && len(out) < count; i-- {
		if f.cached[i].JobID == jobID {
			out = append(out, f.cached[i])
		}
	}
	return out, nil
}

func (f *fakeSource) cache(msgs ...*progress.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = append(f.cached, msgs...)
}

func cachedMessage(jobID, eventID int64, status string) *progress.Message {
	msg := &progress.Message{
		JobID:         jobID,
		EventID:       eventID,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: progress.SchemaVersion,
		EventType:     progress.EventTypeProgressUpdate,
	}
	if status != "" {
		msg.EventType = progress.EventTypeStatusChange
		msg.Status = status
		msg.Milestone = msg.IsTerminal()
	}
	return msg
}

type testFixture struct {
	server *Server
	jobs   *fakeJobs
	lc     *fakeLifecycle
	source *fakeSource
}

func newTestFixture(burst int) *testFixture {
	jobs := &fakeJobs{jobs: map[int64]*ent.Job{
		1: {ID: 1, OwnerID: "alice", JobType: "model_build", Status: job.StatusRunning, Progress: 40},
	}}
	lc := &fakeLifecycle{}
	source := newFakeSource()
	cfg := DefaultConfig()
	cfg.SSEKeepalive = 50 * time.Millisecond
	cfg.SubscribePerSecond = 0.001
	cfg.SubscribeBurst = burst
	verifier := StaticVerifier{
		"tok-alice": services.Subject{ID: "alice"},
		"tok-bob":   services.Subject{ID: "bob"},
		"tok-admin": services.Subject{ID: "root", Admin: true},
	}
	return &testFixture{
		server: NewServer(cfg, nil, jobs, lc, source, verifier),
		jobs:   jobs,
		lc:     lc,
		source: source,
	}
}

func (f *testFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestGetProgressSnapshot(t *testing.T) {
	f := newTestFixture(10)
	f.source.cache(
		cachedMessage(1, 1, ""),
		cachedMessage(1, 2, ""),
		cachedMessage(1, 3, ""),
	)

	t.Run("owner sees the snapshot", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/1/progress?token=tok-alice", nil)
		rec := f.do(req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ProgressSnapshotResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(1), resp.Job.ID)
		assert.Equal(t, "running", resp.Job.Status)
		assert.Equal(t, float64(40), resp.Job.Progress)
		assert.Empty(t, resp.Recent)
	})

	t.Run("include_recent returns the newest events first", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/1/progress?token=tok-alice&include_recent=2", nil)
		rec := f.do(req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ProgressSnapshotResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Recent, 2)
		assert.Equal(t, int64(3), resp.Recent[0].EventID)
		assert.Equal(t, int64(2), resp.Recent[1].EventID)
	})

	t.Run("missing credential is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/1/progress", nil)
		assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
	})

	t.Run("foreign job is 403", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/1/progress?token=tok-bob", nil)
		assert.Equal(t, http.StatusForbidden, f.do(req).Code)
	})

	t.Run("admin sees any job", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/1/progress?token=tok-admin", nil)
		assert.Equal(t, http.StatusOK, f.do(req).Code)
	})

	t.Run("unknown job is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/999/progress?token=tok-alice", nil)
		assert.Equal(t, http.StatusNotFound, f.do(req).Code)
	})

	t.Run("malformed job id is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/abc/progress?token=tok-alice", nil)
		assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
	})
}

func TestStreamProgressEndpoint(t *testing.T) {
	t.Run("replays past the cursor and completes on terminal", func(t *testing.T) {
		f := newTestFixture(10)
		f.source.cache(
			cachedMessage(1, 1, ""),
			cachedMessage(1, 2, ""),
			cachedMessage(1, 3, ""),
			cachedMessage(1, 4, ""),
			cachedMessage(1, 5, progress.StatusCompleted),
		)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/1/progress/stream?token=tok-alice", nil)
		req.Header.Set("Last-Event-ID", "3")
		rec := f.do(req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

		body := rec.Body.String()
		assert.NotContains(t, body, "id: 3\n")
		idx4 := strings.Index(body, "id: 4\n")
		idx5 := strings.Index(body, "id: 5\n")
		idxComplete := strings.Index(body, "event: complete\n")
		require.GreaterOrEqual(t, idx4, 0)
		require.Greater(t, idx5, idx4)
		require.Greater(t, idxComplete, idx5)
	})

	t.Run("resubscription beyond the burst is 429", func(t *testing.T) {
		f := newTestFixture(1)
		f.source.cache(cachedMessage(1, 1, progress.StatusCompleted))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/1/progress/stream?token=tok-alice", nil)
		req.Header.Set("Last-Event-ID", "0")
		require.Equal(t, http.StatusOK, f.do(req).Code)

		req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/1/progress/stream?token=tok-alice", nil)
		req.Header.Set("Last-Event-ID", "0")
		assert.Equal(t, http.StatusTooManyRequests, f.do(req).Code)
	})

	t.Run("unauthenticated stream is 401 before any frame", func(t *testing.T) {
		f := newTestFixture(10)
		rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/1/progress/stream", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotContains(t, rec.Body.String(), "event:")
	})
}

func TestWSProgressEndpoint(t *testing.T) {
	f := newTestFixture(10)
	f.source.cache(
		cachedMessage(1, 1, ""),
		cachedMessage(1, 2, progress.StatusCompleted),
	)

	srv := httptest.NewServer(f.server.echo)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/1/progress?token=tok-alice&last_event_id=0"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var types []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var frame struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &frame))
		types = append(types, frame.Type)
		if frame.Type == "complete" {
			break
		}
	}

	assert.Equal(t, []string{"connection", "status", "progress", "progress", "complete"}, types)
}

func TestWSProgressEndpointRejections(t *testing.T) {
	f := newTestFixture(10)
	srv := httptest.NewServer(f.server.echo)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/jobs/1/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws/jobs/1/progress?token=tok-bob")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreateJobEndpoint(t *testing.T) {
	f := newTestFixture(10)

	body := strings.NewReader(`{"job_type": "model_build", "priority": 3, "params": {"doc": "bracket.FCStd"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs?token=tok-alice", body)
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp JobCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Job.OwnerID)
	assert.Equal(t, "model_build", resp.Job.JobType)

	require.Len(t, f.lc.created, 1)
	assert.Equal(t, "alice", f.lc.created[0].OwnerID)
	assert.Equal(t, 3, f.lc.created[0].Priority)
	require.Len(t, f.lc.enqueued, 1)
	assert.Equal(t, resp.Job.ID, f.lc.enqueued[0])
}

func TestCancelJobEndpoint(t *testing.T) {
	f := newTestFixture(10)

	body := strings.NewReader(`{"reason": "wrong revision"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/1/cancel?token=tok-alice", body)
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.lc.cancelled, 1)
	assert.Equal(t, int64(1), f.lc.cancelled[0])
	assert.Equal(t, "wrong revision", f.lc.reasons[0])

	// Foreign subjects may not cancel.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/1/cancel?token=tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)
}

func TestConnectionStatsEndpoint(t *testing.T) {
	f := newTestFixture(10)

	t.Run("admin gets stats", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/connections/stats?token=tok-admin", nil)
		rec := f.do(req)
		require.Equal(t, http.StatusOK, rec.Code)

		var stats struct {
			Sessions int `json:"sessions"`
			Jobs     int `json:"jobs"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, 0, stats.Sessions)
	})

	t.Run("non-admin is 403", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/connections/stats?token=tok-alice", nil)
		assert.Equal(t, http.StatusForbidden, f.do(req).Code)
	})

	t.Run("unauthenticated is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/connections/stats", nil)
		assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
	})
}
