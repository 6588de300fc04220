package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecad/pulse/pkg/progress"
	"github.com/forgecad/pulse/pkg/stream"
)

func newTestContext(t *testing.T, target string, headers map[string]string) *echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestParseFilter(t *testing.T) {
	t.Run("empty query is an open filter", func(t *testing.T) {
		f, err := parseFilter(newTestContext(t, "/", nil))
		require.NoError(t, err)
		assert.Empty(t, f.Types)
		assert.False(t, f.MilestonesOnly)
	})

	t.Run("filter_types parses a comma-separated allowlist", func(t *testing.T) {
		f, err := parseFilter(newTestContext(t, "/?filter_types=assembly4,occt", nil))
		require.NoError(t, err)
		assert.Equal(t, []progress.EventType{progress.EventTypeAssembly4, progress.EventTypeOCCT}, f.Types)
	})

	t.Run("unknown event type is rejected", func(t *testing.T) {
		_, err := parseFilter(newTestContext(t, "/?filter_types=assembly4,bogus", nil))
		assertHTTPError(t, err, http.StatusBadRequest)
	})

	t.Run("milestones_only", func(t *testing.T) {
		f, err := parseFilter(newTestContext(t, "/?milestones_only=true", nil))
		require.NoError(t, err)
		assert.True(t, f.MilestonesOnly)
	})

	t.Run("invalid milestones_only is rejected", func(t *testing.T) {
		_, err := parseFilter(newTestContext(t, "/?milestones_only=sometimes", nil))
		assertHTTPError(t, err, http.StatusBadRequest)
	})
}

func TestParseCursor(t *testing.T) {
	t.Run("absent means no replay", func(t *testing.T) {
		cursor, err := parseCursor(newTestContext(t, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, stream.NoCursor, cursor)
	})

	t.Run("Last-Event-ID header", func(t *testing.T) {
		cursor, err := parseCursor(newTestContext(t, "/", map[string]string{"Last-Event-ID": "42"}))
		require.NoError(t, err)
		assert.Equal(t, int64(42), cursor)
	})

	t.Run("query parameter fallback", func(t *testing.T) {
		cursor, err := parseCursor(newTestContext(t, "/?last_event_id=7", nil))
		require.NoError(t, err)
		assert.Equal(t, int64(7), cursor)
	})

	t.Run("header wins over query", func(t *testing.T) {
		cursor, err := parseCursor(newTestContext(t, "/?last_event_id=7", map[string]string{"Last-Event-ID": "3"}))
		require.NoError(t, err)
		assert.Equal(t, int64(3), cursor)
	})

	t.Run("garbage cursor is rejected", func(t *testing.T) {
		_, err := parseCursor(newTestContext(t, "/", map[string]string{"Last-Event-ID": "abc"}))
		assertHTTPError(t, err, http.StatusBadRequest)
	})

	t.Run("negative cursor is rejected", func(t *testing.T) {
		_, err := parseCursor(newTestContext(t, "/?last_event_id=-1", nil))
		assertHTTPError(t, err, http.StatusBadRequest)
	})
}

func TestParseRecentCount(t *testing.T) {
	tests := []struct {
		query    string
		expected int
		wantErr  bool
	}{
		{query: "/", expected: 0},
		{query: "/?include_recent=true", expected: defaultRecentCount},
		{query: "/?include_recent=false", expected: 0},
		{query: "/?include_recent=25", expected: 25},
		{query: "/?include_recent=5000", expected: maxRecentCount},
		{query: "/?include_recent=-3", wantErr: true},
		{query: "/?include_recent=many", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			n, err := parseRecentCount(newTestContext(t, tt.query, nil))
			if tt.wantErr {
				assertHTTPError(t, err, http.StatusBadRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
		})
	}
}
