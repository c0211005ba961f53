package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"noisewatch/internal/model"
)

// Fixed width so that text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	baseStore
	clock clockwork.Clock
}

func NewSQLite(dsn string, opts ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:noisewatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &sqliteStore{baseStore: baseStore{db: db}, clock: o.clock}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			decibels INTEGER NOT NULL CHECK (decibels BETWEEN 0 AND 200),
			description TEXT NOT NULL,
			severity TEXT NOT NULL,
			device_info TEXT,
			source TEXT,
			accuracy_meters INTEGER,
			audio_path TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) CreateReport(ctx context.Context, r model.Report) (model.Report, error) {
	created := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (latitude, longitude, decibels, description, severity, device_info, source, accuracy_meters, audio_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Latitude,
		r.Longitude,
		r.Decibels,
		r.Description,
		string(r.Severity),
		nullString(r.DeviceInfo),
		nullString(r.Source),
		nullInt(r.AccuracyMeters),
		nullString(r.AudioPath),
		created.Format(sqliteTimeLayout),
	)
	if err != nil {
		return model.Report{}, fmt.Errorf("insert report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Report{}, fmt.Errorf("insert report: %w", err)
	}
	r.ID = id
	r.CreatedAt = created
	return r, nil
}

const sqliteSelect = `SELECT id, latitude, longitude, decibels, description, severity,
	device_info, source, accuracy_meters, audio_path, created_at FROM reports`

func (s *sqliteStore) ListReports(ctx context.Context) ([]model.Report, error) {
	return s.query(ctx, sqliteSelect+` ORDER BY created_at DESC, id DESC`)
}

func (s *sqliteStore) ListReportsSince(ctx context.Context, since time.Time) ([]model.Report, error) {
	return s.query(ctx, sqliteSelect+` WHERE created_at >= ? ORDER BY created_at DESC, id DESC`,
		since.UTC().Format(sqliteTimeLayout))
}

func (s *sqliteStore) Stats(ctx context.Context) (model.Stats, error) {
	return s.stats(ctx)
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]model.Report, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()
	out := []model.Report{}
	for rows.Next() {
		r, err := scanSQLiteReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSQLiteReport(row scanner) (model.Report, error) {
	var (
		r        model.Report
		severity string
		created  string
		extras   reportExtras
	)
	if err := row.Scan(&r.ID, &r.Latitude, &r.Longitude, &r.Decibels, &r.Description, &severity,
		&extras.deviceInfo, &extras.source, &extras.accuracy, &extras.audioPath, &created); err != nil {
		return model.Report{}, fmt.Errorf("scan report: %w", err)
	}
	ts, err := time.Parse(sqliteTimeLayout, created)
	if err != nil {
		return model.Report{}, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	r.Severity = model.Severity(severity)
	r.CreatedAt = ts
	extras.apply(&r)
	return r, nil
}
