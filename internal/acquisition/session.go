package acquisition

import (
	"time"

	"github.com/google/uuid"
)

// Session is one acquisition attempt. The acquirer owns the live session;
// callers only ever see copies.
type Session struct {
	ID           uuid.UUID `json:"id"`
	Signal       string    `json:"signal"`
	State        State     `json:"state"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	LastObserved float64   `json:"last_observed"`
	Polls        int       `json:"polls"`
	Points       int       `json:"points"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Error        string    `json:"error,omitempty"`

	Values []float64 `json:"-"`
	Raw    []byte    `json:"-"`
}

func (s *Session) snapshot() Session {
	return *s
}

// Duration is the time from arming to completion, or zero while running.
func (s Session) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Event is published on every state transition of a session.
type Event struct {
	SessionID uuid.UUID `json:"session_id"`
	Signal    string    `json:"signal"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Observer func(Event)

// Sink persists the drained array of a completed drain.
type Sink interface {
	Save(signal string, values []float64, raw []byte, spec SaveSpec) (string, error)
}
