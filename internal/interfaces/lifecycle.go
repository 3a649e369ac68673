package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenInstrumentCore/internal/config"
	"github.com/KevinKickass/OpenInstrumentCore/internal/instrument"
	"github.com/KevinKickass/OpenInstrumentCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State                string `json:"state"`
	InstrumentCount      int    `json:"instrument_count"`
	ConnectedInstruments int    `json:"connected_instruments"`
	ActiveAcquisitions   int    `json:"active_acquisitions"`
	Error                string `json:"error,omitempty"`
}

type LifecycleManager interface {
	Config() *config.Config
	Instruments() *instrument.Manager
	// Recorder is nil when acquisition history is disabled.
	Recorder() storage.Recorder
	GetCurrentStatus() SystemStatus
	ReloadCatalogs() error
	Shutdown(ctx context.Context) error
}
