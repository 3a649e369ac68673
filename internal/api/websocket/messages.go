package websocket

import (
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeAcquisitionState MessageType = "acquisition_state"
	MessageTypeSignalWritten    MessageType = "signal_written"
	MessageTypeSignalValue      MessageType = "signal_value"

	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type       MessageType `json:"type"`
	Instrument string      `json:"instrument,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data"`
}

// AcquisitionStateData is one session state transition.
type AcquisitionStateData struct {
	SessionID string `json:"session_id"`
	Signal    string `json:"signal"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// SignalData carries a written or polled signal value.
type SignalData struct {
	Signal string      `json:"signal"`
	Value  interface{} `json:"value"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, instrument string, data interface{}) Message {
	return Message{
		Type:       msgType,
		Instrument: instrument,
		Timestamp:  time.Now(),
		Data:       data,
	}
}

func NewAcquisitionStateMessage(instrument string, ev acquisition.Event) Message {
	msg := NewMessage(MessageTypeAcquisitionState, instrument, AcquisitionStateData{
		SessionID: ev.SessionID.String(),
		Signal:    ev.Signal,
		From:      string(ev.From),
		To:        string(ev.To),
		Status:    string(ev.Status),
		Error:     ev.Error,
	})
	if !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp
	}
	return msg
}

func NewSignalMessage(msgType MessageType, instrument, signal string, value interface{}) Message {
	return NewMessage(msgType, instrument, SignalData{Signal: signal, Value: value})
}
