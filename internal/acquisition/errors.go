package acquisition

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrBusy      = errors.New("acquisition already in progress")
	ErrTimeout   = errors.New("acquisition timed out")
	ErrCancelled = errors.New("acquisition cancelled")
)

// AcquisitionError is returned for a session that ended in the failed
// state. Err is ErrTimeout, ErrCancelled or the underlying cause.
type AcquisitionError struct {
	Signal    string
	SessionID uuid.UUID
	State     State // state the session was in when it failed
	Err       error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition %s (%s) failed in %s: %v", e.Signal, e.SessionID, e.State, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// StatusOf maps a session error to its terminal status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrCancelled):
		return StatusCancelled
	default:
		return StatusFailed
	}
}
