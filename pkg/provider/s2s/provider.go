// Package s2s defines the Provider interface for streaming speech-to-speech
// backends.
//
// An S2S provider wraps a real-time voice model that accepts microphone audio
// and streams back synthesised speech, transcriptions of both directions and
// turn boundaries over a single long-lived session. Examples are the Gemini
// Live API and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: outbound audio goes through
// SendAudio, everything the server says arrives as [Message] values on one
// channel, in the order the server sent it.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/MrWong99/livecall/pkg/audio"
)

// Modality is a response modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// SessionConfig is the configuration sent when a session opens.
type SessionConfig struct {
	// Voice is the provider's prebuilt voice name (e.g. "Aoede", "alloy").
	// Empty selects the provider default.
	Voice string

	// Instructions is the system prompt defining the persona.
	Instructions string

	// Modalities lists the response modalities. Defaults to audio only.
	Modalities []Modality

	// InputTranscription asks the server to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the server to transcribe the model's speech.
	OutputTranscription bool
}

// InlineAudio is one piece of model audio exactly as received: base64
// payload plus MIME type. Decoding is left to the playback side.
type InlineAudio struct {
	MIMEType string
	Data     string
}

// Message is one server message. Any combination of fields may be set; a
// consumer handles them in declaration order.
type Message struct {
	// InputTranscript is a fragment of the user's transcribed speech.
	InputTranscript string

	// OutputTranscript is a fragment of the model's transcribed speech.
	OutputTranscript string

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// Audio holds inline audio parts of the model's response.
	Audio []InlineAudio

	// Interrupted reports that the user barged in and the model stopped
	// generating; audio already queued for playback is stale.
	Interrupted bool
}

// Empty reports whether m carries nothing actionable.
func (m Message) Empty() bool {
	return m.InputTranscript == "" && m.OutputTranscript == "" &&
		!m.TurnComplete && len(m.Audio) == 0 && !m.Interrupted
}

// Capabilities describes static properties of an S2S provider.
type Capabilities struct {
	// InputSampleRate is the rate the provider expects on SendAudio after any
	// conversion it performs itself.
	InputSampleRate int

	// OutputSampleRate is the rate of the audio the provider streams back.
	OutputSampleRate int

	// Voices lists known prebuilt voice names.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded audio envelope to the provider. Returns an
	// error if the session is closed or the write fails.
	SendAudio(ctx context.Context, blob audio.Blob) error

	// Messages returns the channel of server messages. It is closed when the
	// session ends for any reason; check Err afterwards.
	Messages() <-chan Message

	// Err returns the transport error that ended the session, or nil if the
	// session was closed locally or by a normal remote close.
	Err() error

	// Close terminates the session and closes the Messages channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a session and returns once the server acknowledged the
	// configuration. The caller owns the returned SessionHandle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
