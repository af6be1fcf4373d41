package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldroom/monitor-server/internal/errorlog"
	"coldroom/monitor-server/internal/export"
	"coldroom/monitor-server/internal/ingest"
	"coldroom/monitor-server/internal/metrics"
	"coldroom/monitor-server/internal/registry"
	"coldroom/monitor-server/internal/stats"
	"coldroom/monitor-server/internal/store"
)

type testServer struct {
	store      *store.Store
	metrics    *metrics.Metrics
	handler    http.Handler
	roomID     int64
	locationID int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	locID, err := st.CreateLocation(ctx, "Plant 1")
	require.NoError(t, err)
	sensor := "28-A1"
	roomID, err := st.CreateRoom(ctx, "Dairy", locID, &sensor)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	errs := errorlog.New(st, logger, m)
	srv := New(Deps{
		Ingest: ingest.New(ingest.Deps{
			Registry: registry.New(st),
			Samples:  st,
			Errors:   errs,
			Metrics:  m,
			Logger:   logger,
			Now:      clock,
		}),
		Stats:   stats.New(st, errs, stats.Options{Now: clock}),
		Errors:  errs,
		Export:  export.New(st, true, m, logger),
		Health:  st,
		Metrics: m,
		Logger:  logger,
	})

	return &testServer{store: st, metrics: m, handler: srv.Handler(), roomID: roomID, locationID: locID}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestIngestEnvelopeErrors(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name    string
		body    string
		message string
	}{
		{"not json", "hello", "Invalid JSON"},
		{"array body", `[1,2]`, "Invalid JSON"},
		{"missing mac", `{"readings":[]}`, "Missing esp32_mac or readings"},
		{"empty mac", `{"esp32_mac":"","readings":[]}`, "Missing esp32_mac or readings"},
		{"missing readings", `{"esp32_mac":"AA:BB"}`, "Missing esp32_mac or readings"},
		{"mac not string", `{"esp32_mac":12,"readings":[]}`, "esp32_mac must be a string"},
		{"readings not array", `{"esp32_mac":"AA:BB","readings":{"x":1}}`, "readings must be an array"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/data", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeStatus(t, rec)
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, tc.message, resp.Message)
		})
	}
}

func TestIngestMixedBatch(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/data", `{
		"esp32_mac": "AA:BB:CC",
		"readings": [
			{"sensor_id": "28-A1", "temperature": 3.5},
			{"sensor_id": "28-ZZ", "temperature": 1.0},
			{"temperature": 2.0}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeStatus(t, rec)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "Processed 1 readings. 2 errors logged.", resp.Message)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/%d/status", ts.roomID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Temperature *float64 `json:"latest_temp"`
		IsLive      bool     `json:"is_sensor_active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.Temperature)
	assert.InDelta(t, 3.5, *status.Temperature, 1e-9)
	assert.True(t, status.IsLive)

	rec = ts.do(t, http.MethodGet, "/api/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Errors []struct {
			SensorID string `json:"sensor_id"`
			Kind     string `json:"error_type"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Errors, 2)
	kinds := []string{list.Errors[0].Kind, list.Errors[1].Kind}
	assert.ElementsMatch(t, []string{"UNREGISTERED_SENSOR", "MALFORMED_DATA"}, kinds)
}

func TestIngestEmptyBatch(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/data", `{"esp32_mac":"AA:BB","readings":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Processed 0 readings.", decodeStatus(t, rec).Message)
}

func TestIngestStoreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Close())

	rec := ts.do(t, http.MethodPost, "/api/data", `{"esp32_mac":"AA:BB","readings":[{"sensor_id":"28-A1","temperature":1}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeStatus(t, rec)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "Service temporarily unavailable", resp.Message)

	rec = ts.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngestWrongMethod(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/data", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRoomSnapshotUnknownRoom(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/rooms/9999/snapshot", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/rooms/abc/snapshot", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoomSnapshotIncludesErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/data", `{"esp32_mac":"AA:BB","readings":[
		{"sensor_id":"28-A1","temperature":"warm"},
		{"sensor_id":"28-A1","temperature":9.5}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/%d/snapshot", ts.roomID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Band   string `json:"temp_status"`
		Errors []struct {
			Kind string `json:"error_type"`
		} `json:"esp32_errors"`
		Stats struct {
			Count int `json:"readings_count"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "alert", snap.Band)
	assert.Equal(t, 1, snap.Stats.Count)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "MALFORMED_DATA", snap.Errors[0].Kind)
}

func TestRoomErrorsLimit(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/%d/errors?limit=0", ts.roomID), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/%d/errors?limit=5", ts.roomID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"errors":[]}`, rec.Body.String())
}

func TestResolveError(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/errors/4242/resolve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/data", `{"esp32_mac":"AA:BB","readings":[{"sensor_id":"28-QQ","temperature":1}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	errs, err := ts.store.UnresolvedErrors(context.Background())
	require.NoError(t, err)
	require.Len(t, errs, 1)

	target := fmt.Sprintf("/api/errors/%d/resolve", errs[0].ID)
	rec = ts.do(t, http.MethodPost, target, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decodeStatus(t, rec).Status)

	rec = ts.do(t, http.MethodPost, target, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"errors":[]}`, rec.Body.String())
}

func TestExportCSV(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.AppendSample(ctx, ts.roomID, 2.25, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, ts.store.AppendSample(ctx, ts.roomID, 3.75, time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)))

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/%d/export?date_from=2024-05-02&format=csv", ts.roomID), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=Dairy_full_2024-05-02_to_all.csv`, rec.Header().Get("Content-Disposition"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Timestamp,Temperature (°C)", lines[0])
	assert.Equal(t, "2024-05-02 10:00:00,3.75", lines[1])
}

func TestExportDailyXLSX(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.AppendSample(ctx, ts.roomID, 2, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/%d/export?aggregation=daily&format=excel", ts.roomID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "Dairy_daily_all_to_all.xlsx")
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestExportInvalidParameters(t *testing.T) {
	ts := newTestServer(t)

	for _, query := range []string{"aggregation=weekly", "format=pdf", "date_from=05/01/2024"} {
		rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/%d/export?%s", ts.roomID, query), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	rec := ts.do(t, http.MethodGet, "/api/rooms/9999/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLocationSummary(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/data", `{"esp32_mac":"AA:BB","readings":[{"sensor_id":"28-A1","temperature":1.5}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/locations/%d/summary", ts.locationID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Location struct {
			Name string `json:"name"`
		} `json:"location"`
		Combined struct {
			LiveTemp    *float64 `json:"live_temp"`
			OnlineCount int      `json:"online_count"`
			TotalCount  int      `json:"total_count"`
		} `json:"combined_stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "Plant 1", summary.Location.Name)
	assert.Equal(t, 1, summary.Combined.OnlineCount)
	assert.Equal(t, 1, summary.Combined.TotalCount)
	require.NotNil(t, summary.Combined.LiveTemp)
	assert.InDelta(t, 1.5, *summary.Combined.LiveTemp, 1e-9)

	rec = ts.do(t, http.MethodGet, "/api/locations/777/summary", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))

	scrape := httptest.NewRecorder()
	ts.metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `coldroom_http_requests_total{route="healthz",status="200"} 1`)
	assert.Contains(t, scrape.Body.String(), `coldroom_http_requests_total{route="readyz",status="200"} 1`)
}
