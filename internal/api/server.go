// Package api serves the report HTTP API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"noisewatch/internal/cluster"
	"noisewatch/internal/config"
	"noisewatch/internal/geofence"
	"noisewatch/internal/heat"
	"noisewatch/internal/metrics"
	"noisewatch/internal/model"
)

// ReportService is the report use case the handlers drive.
type ReportService interface {
	Create(ctx context.Context, req model.CreateReportRequest) (model.Report, error)
	List(ctx context.Context) ([]model.Report, error)
	Recent(ctx context.Context) ([]model.Report, error)
	Stats(ctx context.Context) (model.Stats, error)
	Ping(ctx context.Context) error
}

// settings is the reloadable view of the config the handlers read.
type settings struct {
	environment  string
	maxBodyBytes int64
	corsOrigin   string
	maps         config.MapsConfig
	area         geofence.Validator
	distance     float64
	window       time.Duration
	style        heat.Style
	maxWidth     int
	maxHeight    int
}

type Server struct {
	httpServer *http.Server
	reports    ReportService
	metrics    *metrics.Metrics
	clock      clockwork.Clock
	logger     *slog.Logger
	settings   atomic.Value
}

func NewServer(cfg *config.Config, area geofence.Validator, reports ReportService, m *metrics.Metrics, clock clockwork.Clock, logger *slog.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewMetricsForTesting()
	}
	mux := http.NewServeMux()
	s := &Server{
		reports: reports,
		metrics: m,
		clock:   clock,
		logger:  logger,
	}
	s.UpdateConfig(cfg, area)

	mux.HandleFunc("POST /api/reports", s.handleCreateReport)
	mux.HandleFunc("GET /api/reports", s.handleListReports)
	mux.HandleFunc("GET /api/reports/recent", s.handleRecentReports)
	mux.HandleFunc("GET /api/reports/stats", s.handleStats)
	mux.HandleFunc("GET /api/reports/clusters", s.handleClusters)
	mux.HandleFunc("GET /api/reports/heatmap.png", s.handleHeatmap)
	mux.HandleFunc("GET /api/boundary", s.handleBoundary)
	mux.HandleFunc("GET /api/maps-key", s.handleMapsKey)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.requestID(s.recoverer(s.observe(s.cors(mux)))),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// UpdateConfig applies a reloaded config. area replaces the service area
// when non-nil.
func (s *Server) UpdateConfig(cfg *config.Config, area geofence.Validator) {
	if area == nil {
		if prev, ok := s.settings.Load().(settings); ok {
			area = prev.area
		} else {
			area = geofence.Default()
		}
	}
	style := heat.DefaultStyle()
	if cfg.Heatmap.BaseRadius > 0 {
		style.BaseRadius = cfg.Heatmap.BaseRadius
	}
	if cfg.Heatmap.RadiusPerMember > 0 {
		style.RadiusPerMember = cfg.Heatmap.RadiusPerMember
	}
	if cfg.Heatmap.MinRadius > 0 {
		style.MinRadius = cfg.Heatmap.MinRadius
	}
	if cfg.Heatmap.MaxRadius > 0 {
		style.MaxRadius = cfg.Heatmap.MaxRadius
	}
	s.settings.Store(settings{
		environment:  cfg.Environment,
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		corsOrigin:   cfg.Server.CORSOrigin,
		maps:         cfg.Maps,
		area:         area,
		distance:     cfg.Cluster.Distance,
		window:       cfg.Cluster.RecencyWindow,
		style:        style,
		maxWidth:     cfg.Heatmap.MaxWidth,
		maxHeight:    cfg.Heatmap.MaxHeight,
	})
}

func (s *Server) current() settings {
	return s.settings.Load().(settings)
}

func (s *Server) clusterer() *cluster.Clusterer {
	st := s.current()
	return cluster.New(st.distance, st.window, s.clock)
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
