package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"noisewatch/internal/model"
)

// postgresStore keeps the location as a PostGIS point so the table can be
// queried spatially. created_at is assigned by the database.
type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string, _ ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/noisewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`CREATE TABLE IF NOT EXISTS reports (
			id BIGSERIAL PRIMARY KEY,
			geom geometry(Point, 4326) NOT NULL,
			decibels INTEGER NOT NULL CHECK (decibels BETWEEN 0 AND 200),
			description VARCHAR(255) NOT NULL,
			severity TEXT NOT NULL,
			device_info TEXT,
			source TEXT,
			accuracy_meters INTEGER,
			audio_path TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_geom ON reports USING GIST (geom)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) CreateReport(ctx context.Context, r model.Report) (model.Report, error) {
	// ST_MakePoint takes x then y, which is longitude then latitude.
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO reports (geom, decibels, description, severity, device_info, source, accuracy_meters, audio_path)
		VALUES (ST_SetSRID(ST_MakePoint($1, $2), 4326), $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		r.Longitude,
		r.Latitude,
		r.Decibels,
		r.Description,
		string(r.Severity),
		nullString(r.DeviceInfo),
		nullString(r.Source),
		nullInt(r.AccuracyMeters),
		nullString(r.AudioPath),
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return model.Report{}, fmt.Errorf("insert report: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

const postgresSelect = `SELECT id, ST_Y(geom) AS latitude, ST_X(geom) AS longitude, decibels, description, severity,
	device_info, source, accuracy_meters, audio_path, created_at FROM reports`

func (s *postgresStore) ListReports(ctx context.Context) ([]model.Report, error) {
	return s.query(ctx, postgresSelect+` ORDER BY created_at DESC, id DESC`)
}

func (s *postgresStore) ListReportsSince(ctx context.Context, since time.Time) ([]model.Report, error) {
	return s.query(ctx, postgresSelect+` WHERE created_at >= $1 ORDER BY created_at DESC, id DESC`, since.UTC())
}

func (s *postgresStore) Stats(ctx context.Context) (model.Stats, error) {
	return s.stats(ctx)
}

func (s *postgresStore) query(ctx context.Context, q string, args ...any) ([]model.Report, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()
	out := []model.Report{}
	for rows.Next() {
		var (
			r        model.Report
			severity string
			extras   reportExtras
		)
		if err := rows.Scan(&r.ID, &r.Latitude, &r.Longitude, &r.Decibels, &r.Description, &severity,
			&extras.deviceInfo, &extras.source, &extras.accuracy, &extras.audioPath, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Severity = model.Severity(severity)
		r.CreatedAt = r.CreatedAt.UTC()
		extras.apply(&r)
		out = append(out, r)
	}
	return out, rows.Err()
}
