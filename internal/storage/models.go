package storage

import (
	"time"

	"github.com/google/uuid"
)

// AcquisitionRecord is the persisted outcome of one acquisition session.
type AcquisitionRecord struct {
	ID           uuid.UUID `json:"id"`
	Instrument   string    `json:"instrument"`
	Signal       string    `json:"signal"`
	SessionID    uuid.UUID `json:"session_id"`
	Status       string    `json:"status"`
	Points       int       `json:"points"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// ListFilter narrows ListAcquisitions. Empty fields match everything.
type ListFilter struct {
	Instrument string
	Signal     string
	Limit      int
}

const defaultListLimit = 100

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
