package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/mdobak/go-xerrors"

	"noisewatch/internal/geofence"
	"noisewatch/internal/heat"
	"noisewatch/internal/model"
	"noisewatch/internal/noise"
	"noisewatch/internal/reports"
)

type createResponse struct {
	Success bool         `json:"success"`
	Data    model.Report `json:"data"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	st := s.current()
	var req model.CreateReportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, st.maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.metrics.ReportsRejected.WithLabelValues(reports.CodeInvalidBody).Inc()
		writeError(w, http.StatusBadRequest, reports.CodeInvalidBody, "Request body must be a JSON object")
		return
	}

	report, err := s.reports.Create(r.Context(), req)
	if err != nil {
		var verr *reports.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Code, verr.Message)
		case errors.Is(err, reports.ErrOutsideServiceArea):
			writeError(w, http.StatusBadRequest, reports.CodeOutsideServiceArea, "Location is outside the Tirana service area")
		default:
			s.serverError(w, r, "create report failed", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Success: true, Data: report})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	list, err := s.reports.List(r.Context())
	if err != nil {
		s.serverError(w, r, "list reports failed", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRecentReports(w http.ResponseWriter, r *http.Request) {
	list, err := s.reports.Recent(r.Context())
	if err != nil {
		s.serverError(w, r, "recent reports failed", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reports.Stats(r.Context())
	if err != nil {
		s.serverError(w, r, "stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type clusterView struct {
	Latitude        float64           `json:"latitude"`
	Longitude       float64           `json:"longitude"`
	Count           int               `json:"count"`
	AverageDecibels int               `json:"average_decibels"`
	Severity        model.Severity    `json:"severity"`
	Label           string            `json:"label"`
	Color           string            `json:"color"`
	RadiusMeters    int               `json:"radius_meters"`
	Preview         heat.Preview      `json:"preview"`
	Reports         []heat.DetailItem `json:"reports"`
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	list, err := s.reports.Recent(r.Context())
	if err != nil {
		s.serverError(w, r, "recent reports failed", err)
		return
	}
	style := s.current().style
	clusters := s.clusterer().Cluster(list)
	out := make([]clusterView, 0, len(clusters))
	for _, c := range clusters {
		detail := heat.DetailOf(c, style.SnippetLength)
		col := noise.ColorFor(c.Severity())
		out = append(out, clusterView{
			Latitude:        c.Centroid.Lat,
			Longitude:       c.Centroid.Lng,
			Count:           c.Count(),
			AverageDecibels: c.RoundedDecibels(),
			Severity:        c.Severity(),
			Label:           noise.Label(c.Severity()),
			Color:           fmt.Sprintf("#%02x%02x%02x", col.R, col.G, col.B),
			RadiusMeters:    int(math.Round(style.DrawRadius(c.Count()))),
			Preview:         detail.Preview,
			Reports:         detail.Items,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

const (
	defaultHeatmapWidth  = 640
	defaultHeatmapHeight = 480
)

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	st := s.current()
	q := r.URL.Query()

	// Without an explicit viewport the whole Tirana rectangle is drawn.
	tirana := geofence.TiranaBounds().Bound()
	north, err1 := floatParam(q.Get("north"), tirana.Max.Lat())
	south, err2 := floatParam(q.Get("south"), tirana.Min.Lat())
	east, err3 := floatParam(q.Get("east"), tirana.Max.Lon())
	west, err4 := floatParam(q.Get("west"), tirana.Min.Lon())
	width, err5 := intParam(q.Get("width"), defaultHeatmapWidth)
	height, err6 := intParam(q.Get("height"), defaultHeatmapHeight)
	if err := errors.Join(err1, err2, err3, err4, err5, err6); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_viewport", err.Error())
		return
	}
	if width > st.maxWidth || height > st.maxHeight {
		writeError(w, http.StatusBadRequest, "invalid_viewport",
			fmt.Sprintf("image size is limited to %dx%d", st.maxWidth, st.maxHeight))
		return
	}
	viewport, err := heat.NewMercatorViewport(north, south, east, west, width, height)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_viewport", err.Error())
		return
	}

	list, err := s.reports.Recent(r.Context())
	if err != nil {
		s.serverError(w, r, "recent reports failed", err)
		return
	}

	start := time.Now()
	canvas := heat.NewRasterCanvas(width, height)
	overlay := heat.NewOverlay(canvas, st.style)
	overlay.SetProjection(viewport)
	overlay.Replace(s.clusterer().Cluster(list))
	var buf bytes.Buffer
	if err := canvas.EncodePNG(&buf); err != nil {
		s.serverError(w, r, "encode heatmap failed", err)
		return
	}
	s.metrics.HeatmapRenderDuration.Observe(time.Since(start).Seconds())

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Clusters-Drawn", strconv.Itoa(overlay.Drawn()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func floatParam(v string, def float64) (float64, error) {
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return f, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func (s *Server) handleBoundary(w http.ResponseWriter, r *http.Request) {
	data, err := geofence.GeoJSON(s.current().area)
	if err != nil {
		s.serverError(w, r, "boundary export failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type mapsKeyResponse struct {
	Key   string `json:"key"`
	MapID string `json:"mapId"`
}

func (s *Server) handleMapsKey(w http.ResponseWriter, _ *http.Request) {
	maps := s.current().maps
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, mapsKeyResponse{Key: maps.Key, MapID: maps.MapID})
}

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "OK",
		Timestamp:   s.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Environment: s.current().environment,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.reports.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// serverError logs err with a stack trace and answers 500. The error text is
// only exposed to clients in development.
func (s *Server) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.ErrorContext(r.Context(), msg,
		slog.String("request_id", requestIDFrom(r.Context())),
		slog.Any("error", xerrors.New(err)),
	)
	resp := errorResponse{Error: "Server Error", Code: reports.CodeServerError}
	if s.current().environment == "development" {
		resp.Details = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, resp)
}
