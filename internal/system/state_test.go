package system

import "testing"

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateRunning, StateReloading, true},
		{StateReloading, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateError, StateStopping, true},
		{StateStopped, StateRunning, false},
		{StateReloading, StateStopping, false},
		{StateInitializing, StateReloading, false},
		{SystemState(42), StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("expected transition allowed, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected transition to be rejected")
			}
		})
	}
}
