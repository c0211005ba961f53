// Package storage persists noise reports in SQLite or PostgreSQL/PostGIS.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"noisewatch/internal/config"
	"noisewatch/internal/model"
)

// Store is the report repository. Reports are returned newest first.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	CreateReport(ctx context.Context, r model.Report) (model.Report, error)
	ListReports(ctx context.Context) ([]model.Report, error)
	ListReportsSince(ctx context.Context, since time.Time) ([]model.Report, error)
	Stats(ctx context.Context) (model.Stats, error)
}

type Option func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock sets the clock used for insertion timestamps where the store
// assigns them itself.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewStore(cfg config.StorageConfig, opts ...Option) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN, opts...)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	if b.db == nil {
		return errors.New("store not open")
	}
	return b.db.PingContext(ctx)
}

// statsQuery uses the severity band boundaries of noise.SeverityFor.
const statsQuery = `SELECT
	COUNT(*),
	CAST(COALESCE(AVG(decibels), 0) AS DOUBLE PRECISION),
	COALESCE(MIN(decibels), 0),
	COALESCE(MAX(decibels), 0),
	COUNT(CASE WHEN decibels <= 50 THEN 1 END),
	COUNT(CASE WHEN decibels BETWEEN 51 AND 80 THEN 1 END),
	COUNT(CASE WHEN decibels BETWEEN 81 AND 100 THEN 1 END),
	COUNT(CASE WHEN decibels > 100 THEN 1 END)
FROM reports`

func (b *baseStore) stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := b.db.QueryRowContext(ctx, statsQuery).Scan(
		&st.TotalReports,
		&st.AverageDecibels,
		&st.MinDecibels,
		&st.MaxDecibels,
		&st.QuietReports,
		&st.NormalReports,
		&st.LoudReports,
		&st.VeryHighReports,
	)
	if err != nil {
		return model.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// optional columns shared by both drivers
type reportExtras struct {
	deviceInfo sql.NullString
	source     sql.NullString
	accuracy   sql.NullInt64
	audioPath  sql.NullString
}

func (e reportExtras) apply(r *model.Report) {
	r.DeviceInfo = e.deviceInfo.String
	r.Source = e.source.String
	r.AudioPath = e.audioPath.String
	if e.accuracy.Valid {
		v := int(e.accuracy.Int64)
		r.AccuracyMeters = &v
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
