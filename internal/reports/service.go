// Package reports validates, recalibrates and stores noise reports.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"noisewatch/internal/config"
	"noisewatch/internal/events"
	"noisewatch/internal/geofence"
	"noisewatch/internal/metrics"
	"noisewatch/internal/model"
	"noisewatch/internal/noise"
	"noisewatch/internal/storage"
)

// MaxDescriptionLength is counted in Unicode code points.
const MaxDescriptionLength = 255

// Validation error codes returned to clients.
const (
	CodeMissingFields      = "missing_fields"
	CodeInvalidDecibels    = "invalid_decibels"
	CodeInvalidCoordinates = "invalid_coordinates"
	CodeEmptyDescription   = "empty_description"
	CodeDescriptionTooLong = "description_too_long"
	CodeInvalidBody        = "invalid_body"
	CodeOutsideServiceArea = "outside_service_area"
	CodeServerError        = "server_error"
)

const defaultRecentWindow = 24 * time.Hour

var ErrOutsideServiceArea = errors.New("location is outside the service area")

type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(code, msg string) *ValidationError {
	return &ValidationError{Code: code, Message: msg}
}

// Settings are the reloadable parts of the service.
type Settings struct {
	Estimator    noise.Estimator
	Area         geofence.Validator
	RecentWindow time.Duration
}

// SettingsFrom derives service settings from a loaded config.
func SettingsFrom(cfg *config.Config, area geofence.Validator) Settings {
	return Settings{
		Estimator: noise.Estimator{
			Offset:            cfg.Calibration.Offset,
			NegativeThreshold: cfg.Calibration.NegativeThreshold,
			Min:               cfg.Calibration.MinDB,
			Max:               cfg.Calibration.MaxDB,
		},
		Area:         area,
		RecentWindow: cfg.RecentWindow,
	}
}

type Service struct {
	store     storage.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	logger    *slog.Logger
	settings  atomic.Value
}

func NewService(store storage.Store, publisher events.Publisher, m *metrics.Metrics, clock clockwork.Clock, logger *slog.Logger, settings Settings) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, publisher: publisher, metrics: m, clock: clock, logger: logger}
	s.UpdateSettings(settings)
	return s
}

// UpdateSettings swaps the settings used by subsequent calls.
func (s *Service) UpdateSettings(settings Settings) {
	if settings.Area == nil {
		settings.Area = geofence.Default()
	}
	if settings.RecentWindow <= 0 {
		settings.RecentWindow = defaultRecentWindow
	}
	if settings.Estimator == (noise.Estimator{}) {
		settings.Estimator = noise.DefaultEstimator()
	}
	s.settings.Store(settings)
}

func (s *Service) Settings() Settings {
	return s.settings.Load().(Settings)
}

// Create validates req, recalibrates the reading and stores it. It returns a
// *ValidationError for bad input and ErrOutsideServiceArea for a location
// outside the configured area.
func (s *Service) Create(ctx context.Context, req model.CreateReportRequest) (model.Report, error) {
	settings := s.Settings()
	r, err := s.validate(req, settings)
	if err != nil {
		s.reject(err)
		return model.Report{}, err
	}

	stored, err := s.store.CreateReport(ctx, r)
	if err != nil {
		return model.Report{}, fmt.Errorf("store report: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ReportsCreated.Inc()
		s.metrics.ReportDecibels.Observe(float64(stored.Decibels))
	}
	s.logger.Info("report stored",
		"report_id", stored.ID,
		"decibels", stored.Decibels,
		"severity", stored.Severity,
	)

	if err := s.publisher.PublishReportCreated(ctx, stored); err != nil {
		if s.metrics != nil {
			s.metrics.PublishErrors.Inc()
		}
		s.logger.Warn("report event publish failed", "report_id", stored.ID, "err", err)
	}
	return stored, nil
}

func (s *Service) validate(req model.CreateReportRequest, settings Settings) (model.Report, error) {
	if req.Latitude == nil || req.Longitude == nil || req.Decibels == nil || req.Description == "" {
		return model.Report{}, invalid(CodeMissingFields, "Please provide all required fields")
	}
	db := req.Decibels.Float64()
	if math.IsNaN(db) || math.IsInf(db, 0) {
		return model.Report{}, invalid(CodeInvalidDecibels, "Decibels must be a valid number")
	}
	lat, lng := req.Latitude.Float64(), req.Longitude.Float64()
	if !validLatitude(lat) || !validLongitude(lng) {
		return model.Report{}, invalid(CodeInvalidCoordinates, "Latitude and longitude must be valid coordinates")
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return model.Report{}, invalid(CodeEmptyDescription, "Description must not be empty")
	}
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return model.Report{}, invalid(CodeDescriptionTooLong, fmt.Sprintf("Description must be %d characters or less", MaxDescriptionLength))
	}
	if !settings.Area.Contains(lat, lng) {
		return model.Report{}, ErrOutsideServiceArea
	}

	decibels, err := settings.Estimator.Recalibrate(db)
	if err != nil {
		return model.Report{}, invalid(CodeInvalidDecibels, "Decibels must be a valid number")
	}
	return model.Report{
		Latitude:       lat,
		Longitude:      lng,
		Decibels:       decibels,
		Description:    desc,
		Severity:       noise.SeverityFor(decibels),
		DeviceInfo:     strings.TrimSpace(req.DeviceInfo),
		Source:         strings.TrimSpace(req.Source),
		AccuracyMeters: accuracy(req.AccuracyMeters),
		AudioPath:      strings.TrimSpace(req.AudioPath),
	}, nil
}

func (s *Service) reject(err error) {
	code := CodeOf(err)
	if s.metrics != nil {
		s.metrics.ReportsRejected.WithLabelValues(code).Inc()
	}
	s.logger.Info("report rejected", "code", code)
}

// CodeOf maps a Create error to its client error code.
func CodeOf(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Code
	case errors.Is(err, ErrOutsideServiceArea):
		return CodeOutsideServiceArea
	default:
		return CodeServerError
	}
}

// accuracy drops values that are not usable rather than failing the report.
func accuracy(v *model.LooseFloat) *int {
	if v == nil {
		return nil
	}
	f := v.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return nil
	}
	n := int(math.Round(f))
	return &n
}

func validLatitude(v float64) bool {
	return !math.IsNaN(v) && v >= -90 && v <= 90
}

func validLongitude(v float64) bool {
	return !math.IsNaN(v) && v >= -180 && v <= 180
}

func (s *Service) List(ctx context.Context) ([]model.Report, error) {
	return s.store.ListReports(ctx)
}

// Recent returns reports created within the configured recent window.
func (s *Service) Recent(ctx context.Context) ([]model.Report, error) {
	since := s.clock.Now().Add(-s.Settings().RecentWindow)
	return s.store.ListReportsSince(ctx, since)
}

func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
