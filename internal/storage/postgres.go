package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenInstrumentCore/internal/config"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS acquisitions (
	id            UUID PRIMARY KEY,
	instrument    TEXT NOT NULL,
	signal        TEXT NOT NULL,
	session_id    UUID NOT NULL,
	status        TEXT NOT NULL,
	points        INTEGER NOT NULL DEFAULT 0,
	artifact_path TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS acquisitions_instrument_signal_idx
	ON acquisitions (instrument, signal, finished_at DESC);
`

func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) RecordAcquisition(ctx context.Context, rec *AcquisitionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO acquisitions
			(id, instrument, signal, session_id, status, points, artifact_path, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.Instrument, rec.Signal, rec.SessionID, rec.Status, rec.Points,
		rec.ArtifactPath, rec.Error, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert acquisition: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListAcquisitions(ctx context.Context, filter ListFilter) ([]AcquisitionRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, instrument, signal, session_id, status, points, artifact_path, error, started_at, finished_at
		FROM acquisitions
		WHERE ($1 = '' OR instrument = $1) AND ($2 = '' OR signal = $2)
		ORDER BY finished_at DESC
		LIMIT $3
	`, filter.Instrument, filter.Signal, filter.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to list acquisitions: %w", err)
	}
	defer rows.Close()

	var records []AcquisitionRecord
	for rows.Next() {
		var rec AcquisitionRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Instrument,
			&rec.Signal,
			&rec.SessionID,
			&rec.Status,
			&rec.Points,
			&rec.ArtifactPath,
			&rec.Error,
			&rec.StartedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan acquisition: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (p *PostgresClient) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}
