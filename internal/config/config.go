package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel     string            `json:"log_level" yaml:"log_level"`
	Environment  string            `json:"environment" yaml:"environment"`
	Server       ServerConfig      `json:"server" yaml:"server"`
	Storage      StorageConfig     `json:"storage" yaml:"storage"`
	Calibration  CalibrationConfig `json:"calibration" yaml:"calibration"`
	Geofence     GeofenceConfig    `json:"geofence" yaml:"geofence"`
	Cluster      ClusterConfig     `json:"cluster" yaml:"cluster"`
	Heatmap      HeatmapConfig     `json:"heatmap" yaml:"heatmap"`
	RecentWindow time.Duration     `json:"recent_window" yaml:"recent_window"`
	Maps         MapsConfig        `json:"maps" yaml:"maps"`
	Events       EventsConfig      `json:"events" yaml:"events"`
}

type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `json:"max_body_bytes" yaml:"max_body_bytes"`
	CORSOrigin      string        `json:"cors_origin" yaml:"cors_origin"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// CalibrationConfig holds the server-side decibel recalibration rule.
type CalibrationConfig struct {
	Offset            float64 `json:"offset" yaml:"offset"`
	NegativeThreshold float64 `json:"negative_threshold" yaml:"negative_threshold"`
	MinDB             int     `json:"min_db" yaml:"min_db"`
	MaxDB             int     `json:"max_db" yaml:"max_db"`
}

type GeofenceConfig struct {
	Strategy    string            `json:"strategy" yaml:"strategy"`
	PolygonFile string            `json:"polygon_file" yaml:"polygon_file"`
	BoundingBox BoundingBoxConfig `json:"bbox" yaml:"bbox"`
}

type BoundingBoxConfig struct {
	MinLat float64 `json:"min_lat" yaml:"min_lat"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat"`
	MinLng float64 `json:"min_lng" yaml:"min_lng"`
	MaxLng float64 `json:"max_lng" yaml:"max_lng"`
}

type ClusterConfig struct {
	Distance      float64       `json:"distance" yaml:"distance"`
	RecencyWindow time.Duration `json:"recency_window" yaml:"recency_window"`
}

type HeatmapConfig struct {
	BaseRadius      float64 `json:"base_radius" yaml:"base_radius"`
	RadiusPerMember float64 `json:"radius_per_member" yaml:"radius_per_member"`
	MinRadius       float64 `json:"min_radius" yaml:"min_radius"`
	MaxRadius       float64 `json:"max_radius" yaml:"max_radius"`
	MaxWidth        int     `json:"max_width" yaml:"max_width"`
	MaxHeight       int     `json:"max_height" yaml:"max_height"`
}

// MapsConfig is served to the map client. The API key only ever comes from
// the environment.
type MapsConfig struct {
	Key   string `json:"-" yaml:"-"`
	MapID string `json:"map_id" yaml:"map_id"`
}

type EventsConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		Environment: "development",
		Server: ServerConfig{
			Addr:            ":3000",
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORSOrigin:      "*",
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:noisewatch.db?_pragma=busy_timeout(5000)"},
		Calibration: CalibrationConfig{
			Offset:            115,
			NegativeThreshold: -1,
			MinDB:             0,
			MaxDB:             200,
		},
		Geofence: GeofenceConfig{
			Strategy: "polygon",
			BoundingBox: BoundingBoxConfig{
				MinLat: 41.20, MaxLat: 41.45,
				MinLng: 19.65, MaxLng: 19.98,
			},
		},
		Cluster: ClusterConfig{Distance: 0.0015, RecencyWindow: 24 * time.Hour},
		Heatmap: HeatmapConfig{
			BaseRadius:      40,
			RadiusPerMember: 5,
			MinRadius:       20,
			MaxRadius:       120,
			MaxWidth:        2048,
			MaxHeight:       2048,
		},
		RecentWindow: 24 * time.Hour,
		Events:       EventsConfig{Kafka: KafkaConfig{Topic: "noise-reports"}},
	}
}

// Load reads a YAML or JSON config file, fills defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return finish(cfg)
}

// FromEnv builds a config from defaults and the environment only, for
// deployments that ship without a config file.
func FromEnv() (*Config, error) {
	return finish(DefaultConfig())
}

func finish(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3000"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Geofence.Strategy == "" {
		cfg.Geofence.Strategy = "polygon"
	}
	if cfg.Cluster.Distance <= 0 {
		cfg.Cluster.Distance = 0.0015
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 24 * time.Hour
	}
	if cfg.Heatmap.MaxWidth <= 0 {
		cfg.Heatmap.MaxWidth = 2048
	}
	if cfg.Heatmap.MaxHeight <= 0 {
		cfg.Heatmap.MaxHeight = 2048
	}
	if cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = "noise-reports"
	}
}

// ApplyEnv overrides deployment values and secrets from the environment.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("GOOGLE_MAPS_API_KEY"); v != "" {
		cfg.Maps.Key = v
	}
	if v := os.Getenv("GOOGLE_MAPS_MAP_ID"); v != "" {
		cfg.Maps.MapID = v
	}
	if v := os.Getenv("DB_CALIB_OFFSET"); v != "" {
		offset, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid DB_CALIB_OFFSET %q: %w", v, err)
		}
		cfg.Calibration.Offset = offset
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("NOISEWATCH_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return errors.New("server.addr required")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
	if cfg.Calibration.MinDB > cfg.Calibration.MaxDB {
		return errors.New("calibration.min_db must not exceed calibration.max_db")
	}
	switch strings.ToLower(cfg.Geofence.Strategy) {
	case "polygon":
	case "bbox", "bounding_box":
		b := cfg.Geofence.BoundingBox
		if b.MinLat >= b.MaxLat || b.MinLng >= b.MaxLng {
			return errors.New("geofence.bbox min values must be below max values")
		}
	default:
		return fmt.Errorf("unsupported geofence.strategy %q", cfg.Geofence.Strategy)
	}
	if cfg.Heatmap.MinRadius > cfg.Heatmap.MaxRadius {
		return errors.New("heatmap.min_radius must not exceed heatmap.max_radius")
	}
	if cfg.Events.Kafka.Enabled && len(cfg.Events.Kafka.Brokers) == 0 {
		return errors.New("events.kafka requires brokers when enabled")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the file until stop is closed and reloads it on change.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
