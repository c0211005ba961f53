package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noisewatch/internal/config"
	"noisewatch/internal/geofence"
	"noisewatch/internal/metrics"
	"noisewatch/internal/model"
	"noisewatch/internal/reports"
	"noisewatch/internal/storage"
)

var now = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv     *Server
	clock   *clockwork.FakeClock
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Maps.Key = "test-key"
	cfg.Maps.MapID = "map-id"
	for _, fn := range mutate {
		fn(cfg)
	}

	clock := clockwork.NewFakeClockAt(now)
	store, err := storage.NewSQLite("file:"+filepath.Join(t.TempDir(), "api.db"), storage.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(context.Background()))

	m := metrics.NewMetricsForTesting()
	area := geofence.Default()
	svc := reports.NewService(store, nil, m, clock, nil, reports.Settings{Area: area, RecentWindow: cfg.RecentWindow})
	return testEnv{srv: NewServer(cfg, area, svc, m, clock, nil), clock: clock, metrics: m}
}

func (e testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateReport_InsideTirana(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/reports",
		`{"latitude":41.33,"longitude":19.82,"decibels":65,"description":"Traffic noise"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[createResponse](t, rec)
	assert.True(t, resp.Success)
	assert.NotZero(t, resp.Data.ID)
	assert.Equal(t, 65, resp.Data.Decibels)
	assert.Equal(t, model.SeverityNormal, resp.Data.Severity)
	assert.Equal(t, "Traffic noise", resp.Data.Description)
	assert.True(t, now.Equal(resp.Data.CreatedAt))
}

func TestCreateReport_OutsideServiceArea(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/reports",
		`{"latitude":0,"longitude":0,"decibels":65,"description":"Null island"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "outside_service_area", decode[errorResponse](t, rec).Code)

	list := decode[[]model.Report](t, env.do(http.MethodGet, "/api/reports", ""))
	assert.Empty(t, list)
}

func TestCreateReport_NegativeDecibelsRecalibrated(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/reports",
		`{"latitude":41.33,"longitude":19.82,"decibels":-20,"description":"Generator"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[createResponse](t, rec)
	assert.Equal(t, 95, resp.Data.Decibels)
	assert.Equal(t, model.SeverityLoud, resp.Data.Severity)
}

func TestCreateReport_DescriptionTooLong(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/reports",
		`{"latitude":41.33,"longitude":19.82,"decibels":65,"description":"`+strings.Repeat("x", 256)+`"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "description_too_long", decode[errorResponse](t, rec).Code)

	list := decode[[]model.Report](t, env.do(http.MethodGet, "/api/reports", ""))
	assert.Empty(t, list)
}

func TestCreateReport_BadBodies(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		body string
		code string
	}{
		{`not json`, "invalid_body"},
		{`[1,2]`, "invalid_body"},
		{`{"latitude":41.33}`, "missing_fields"},
		{`{"latitude":41.33,"longitude":19.82,"decibels":"loud","description":"x"}`, "invalid_decibels"},
	}
	for _, tt := range tests {
		rec := env.do(http.MethodPost, "/api/reports", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.body)
		assert.Equal(t, tt.code, decode[errorResponse](t, rec).Code, tt.body)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ReportsRejected.WithLabelValues("missing_fields")))
}

func TestReports_RoundTripAndRecent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/reports",
		`{"latitude":41.33,"longitude":19.82,"decibels":120.4,"description":"Old party"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	env.clock.Advance(25 * time.Hour)
	rec = env.do(http.MethodPost, "/api/reports",
		`{"latitude":41.331,"longitude":19.821,"decibels":45,"description":"Quiet evening","deviceInfo":"Pixel"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	all := decode[[]model.Report](t, env.do(http.MethodGet, "/api/reports", ""))
	require.Len(t, all, 2)
	assert.Equal(t, "Quiet evening", all[0].Description)
	assert.Equal(t, model.SeverityQuiet, all[0].Severity)
	assert.Equal(t, "Pixel", all[0].DeviceInfo)
	assert.Equal(t, 120, all[1].Decibels)
	assert.Equal(t, model.SeverityVeryHigh, all[1].Severity)

	recent := decode[[]model.Report](t, env.do(http.MethodGet, "/api/reports/recent", ""))
	require.Len(t, recent, 1)
	assert.Equal(t, "Quiet evening", recent[0].Description)

	stats := decode[model.Stats](t, env.do(http.MethodGet, "/api/reports/stats", ""))
	assert.Equal(t, 2, stats.TotalReports)
	assert.Equal(t, 45, stats.MinDecibels)
	assert.Equal(t, 120, stats.MaxDecibels)
	assert.InDelta(t, 82.5, stats.AverageDecibels, 1e-9)
	assert.Equal(t, 1, stats.QuietReports)
	assert.Equal(t, 1, stats.VeryHighReports)
}

func TestClusters_MergesNearbyReports(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{
		`{"latitude":41.330,"longitude":19.820,"decibels":60,"description":"first"}`,
		`{"latitude":41.3301,"longitude":19.8201,"decibels":80,"description":"second"}`,
		`{"latitude":41.36,"longitude":19.78,"decibels":105,"description":"elsewhere"}`,
	} {
		require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/reports", body).Code)
		env.clock.Advance(time.Minute)
	}

	out := decode[[]clusterView](t, env.do(http.MethodGet, "/api/reports/clusters", ""))
	require.Len(t, out, 2)

	// Recent reports arrive newest first, so the lone report leads.
	merged := out[1]
	assert.Equal(t, 2, merged.Count)
	assert.Equal(t, 70, merged.AverageDecibels)
	assert.Equal(t, model.SeverityNormal, merged.Severity)
	assert.InDelta(t, 41.33005, merged.Latitude, 1e-9)
	assert.InDelta(t, 19.82005, merged.Longitude, 1e-9)
	assert.Equal(t, "#ffc107", merged.Color)
	assert.Equal(t, 50, merged.RadiusMeters)
	assert.Equal(t, "second", merged.Preview.Snippet)
	require.Len(t, merged.Reports, 2)
	assert.Equal(t, "second", merged.Reports[0].Description)

	assert.Equal(t, model.SeverityVeryHigh, out[0].Severity)
}

func TestClusters_RadiusFollowsHeatmapStyle(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Heatmap.BaseRadius = 30
		cfg.Heatmap.RadiusPerMember = 10
		cfg.Heatmap.MaxRadius = 45
	})
	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"latitude":41.33,"longitude":19.82,"decibels":%d,"description":"pump %d"}`, 60+i, i)
		require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/reports", body).Code)
	}

	out := decode[[]clusterView](t, env.do(http.MethodGet, "/api/reports/clusters", ""))
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Count)
	assert.Equal(t, 45, out[0].RadiusMeters)
}

func TestHeatmap_RendersPNG(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/reports",
		`{"latitude":41.33,"longitude":19.82,"decibels":90,"description":"Traffic"}`).Code)

	rec := env.do(http.MethodGet, "/api/reports/heatmap.png?north=41.4&south=41.25&east=19.9&west=19.7&width=200&height=150", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Clusters-Drawn"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 150, img.Bounds().Dy())
}

func TestHeatmap_RejectsBadViewport(t *testing.T) {
	env := newTestEnv(t)

	for _, q := range []string{
		"?north=abc",
		"?north=41.2&south=41.4",
		"?width=0",
		"?width=99999",
	} {
		rec := env.do(http.MethodGet, "/api/reports/heatmap.png"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestBoundary(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/boundary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	p, err := geofence.LoadGeoJSON(rec.Body.Bytes())
	require.NoError(t, err)
	assert.True(t, p.Contains(41.33, 19.82))
}

func TestMapsKey_NotCached(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/maps-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "test-key", resp["key"])
	assert.Equal(t, "map-id", resp["mapId"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Environment = "production" })

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[healthResponse](t, rec)
	assert.Equal(t, "OK", resp.Status)
	assert.Equal(t, "2025-05-01T12:00:00.000Z", resp.Timestamp)
	assert.Equal(t, "production", resp.Environment)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", "").Code)
}

func TestRequestIDAndCORS(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.CORSOrigin = "https://noise.example" })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "https://noise.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(http.MethodGet, "/health", "")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	rec = env.do(http.MethodOptions, "/api/reports", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("GET /health", "200")))
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodDelete, "/api/reports", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingService struct{ err error }

func (f failingService) Create(context.Context, model.CreateReportRequest) (model.Report, error) {
	return model.Report{}, f.err
}
func (f failingService) List(context.Context) ([]model.Report, error)   { return nil, f.err }
func (f failingService) Recent(context.Context) ([]model.Report, error) { return nil, f.err }
func (f failingService) Stats(context.Context) (model.Stats, error)     { return model.Stats{}, f.err }
func (f failingService) Ping(context.Context) error                     { return f.err }

func TestServerError_DetailsOnlyInDevelopment(t *testing.T) {
	boom := errors.New("database is locked")

	for _, tt := range []struct {
		env     string
		details string
	}{
		{"development", "database is locked"},
		{"production", ""},
	} {
		cfg := config.DefaultConfig()
		cfg.Environment = tt.env
		srv := NewServer(cfg, geofence.Default(), failingService{err: boom}, metrics.NewMetricsForTesting(), clockwork.NewFakeClock(), nil)

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		resp := decode[errorResponse](t, rec)
		assert.Equal(t, "Server Error", resp.Error)
		assert.Equal(t, "server_error", resp.Code)
		assert.Equal(t, tt.details, resp.Details)

		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}
}

func TestUpdateConfig_SwapsMapsAndArea(t *testing.T) {
	env := newTestEnv(t)

	cfg := config.DefaultConfig()
	cfg.Maps.Key = "rotated"
	env.srv.UpdateConfig(cfg, geofence.NewBoundingBox(-1, 1, -1, 1))

	resp := decode[map[string]string](t, env.do(http.MethodGet, "/api/maps-key", ""))
	assert.Equal(t, "rotated", resp["key"])

	rec := env.do(http.MethodGet, "/api/boundary", "")
	p, err := geofence.LoadGeoJSON(rec.Body.Bytes())
	require.NoError(t, err)
	assert.True(t, p.Contains(0, 0))
}
