package acquisition

import "fmt"

type State string

const (
	StateIdle       State = "idle"
	StateArmed      State = "armed"
	StatePolling    State = "polling"
	StateReady      State = "ready"
	StateDraining   State = "draining"
	StatePostAction State = "post_action"
	StateFailed     State = "failed"
)

// Status is the outcome of a finished session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s != StatusRunning
}

func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateIdle:       {StateArmed},
		StateArmed:      {StatePolling, StateFailed},
		StatePolling:    {StatePolling, StateReady, StateFailed},
		StateReady:      {StateDraining},
		StateDraining:   {StatePostAction, StateFailed},
		StatePostAction: {StateIdle, StateFailed},
		StateFailed:     {StateIdle},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
