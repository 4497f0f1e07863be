package call

import (
	"time"

	"github.com/MrWong99/livecall/pkg/transcript"
)

// State is the lifecycle state of the call.
type State string

const (
	// StateDisconnected is the idle state: no microphone, no remote session.
	StateDisconnected State = "disconnected"

	// StateConnecting covers microphone acquisition and session setup.
	StateConnecting State = "connecting"

	// StateConnected means audio flows in both directions.
	StateConnected State = "connected"

	// StateError is entered on a fatal media or transport failure. All
	// resources are already released; the next Start or Close moves the call
	// back to StateDisconnected.
	StateError State = "error"
)

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// StateChange describes one observable transition.
type StateChange struct {
	From State
	To   State

	// Message is the single user-visible explanation when To is StateError.
	Message string

	// Err is the underlying fatal error when To is StateError.
	Err error
}

// Session is a point-in-time snapshot of the call.
type Session struct {
	ID         string             `json:"id,omitempty"`
	Status     State              `json:"status"`
	StartedAt  time.Time          `json:"started_at,omitzero"`
	Error      string             `json:"error,omitempty"`
	Transcript []transcript.Entry `json:"transcript"`

	// PendingPlayback is the number of scheduled units that have not ended.
	PendingPlayback int `json:"pending_playback"`

	// PlaybackLead is how much audio is queued ahead of the output clock.
	PlaybackLead time.Duration `json:"playback_lead_ns"`
}
