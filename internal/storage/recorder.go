package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenInstrumentCore/internal/config"
)

// Recorder persists finished acquisition sessions.
type Recorder interface {
	RecordAcquisition(ctx context.Context, rec *AcquisitionRecord) error
	ListAcquisitions(ctx context.Context, filter ListFilter) ([]AcquisitionRecord, error)
	Close() error
}

// Open returns the recorder selected by cfg.Driver, or nil when recording
// is disabled.
func Open(ctx context.Context, cfg config.StorageConfig) (Recorder, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		rec, err := NewSQLiteRecorder(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return rec, nil
	case "postgres":
		client, err := NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
