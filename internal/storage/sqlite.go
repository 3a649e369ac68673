package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder stores acquisition records in a local SQLite file.
type SQLiteRecorder struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS acquisitions (
	id            TEXT PRIMARY KEY,
	instrument    TEXT NOT NULL,
	signal        TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	points        INTEGER NOT NULL DEFAULT 0,
	artifact_path TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS acquisitions_instrument_signal_idx
	ON acquisitions (instrument, signal, finished_at);
`

// NewSQLiteRecorder opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteRecorder(ctx context.Context, path string) (*SQLiteRecorder, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// An in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteRecorder{db: db}, nil
}

func (s *SQLiteRecorder) RecordAcquisition(ctx context.Context, rec *AcquisitionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acquisitions
			(id, instrument, signal, session_id, status, points, artifact_path, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID.String(), rec.Instrument, rec.Signal, rec.SessionID.String(), rec.Status, rec.Points,
		rec.ArtifactPath, rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert acquisition: %w", err)
	}
	return nil
}

func (s *SQLiteRecorder) ListAcquisitions(ctx context.Context, filter ListFilter) ([]AcquisitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instrument, signal, session_id, status, points, artifact_path, error, started_at, finished_at
		FROM acquisitions
		WHERE (? = '' OR instrument = ?) AND (? = '' OR signal = ?)
		ORDER BY finished_at DESC
		LIMIT ?
	`, filter.Instrument, filter.Instrument, filter.Signal, filter.Signal, filter.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to list acquisitions: %w", err)
	}
	defer rows.Close()

	var records []AcquisitionRecord
	for rows.Next() {
		var (
			rec               AcquisitionRecord
			id, session       string
			started, finished string
		)
		if err := rows.Scan(&id, &rec.Instrument, &rec.Signal, &session, &rec.Status, &rec.Points,
			&rec.ArtifactPath, &rec.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan acquisition: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt acquisition id %q: %w", id, err)
		}
		if rec.SessionID, err = uuid.Parse(session); err != nil {
			return nil, fmt.Errorf("corrupt session id %q: %w", session, err)
		}
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("corrupt started_at %q: %w", started, err)
		}
		if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("corrupt finished_at %q: %w", finished, err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *SQLiteRecorder) Close() error {
	return s.db.Close()
}
