package call

import (
	"errors"
	"fmt"
)

// ErrStaleCallback marks work that completed after its session generation was
// torn down. It is logged at debug level and never surfaced to the user.
var ErrStaleCallback = errors.New("call: stale session callback")

// ErrNoSpeech is returned by Speak when no text-to-speech provider is
// configured.
var ErrNoSpeech = errors.New("call: no text-to-speech provider configured")

// MediaAccessError reports that an audio device could not be opened, for
// example because the microphone is missing or access was denied. It is fatal
// to the Start that produced it.
type MediaAccessError struct {
	// Device names the failing device ("microphone" or "speaker").
	Device string
	Err    error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("call: %s unavailable: %v", e.Device, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// TransportError reports a failure of the remote session, either while
// connecting or after the call was established. It is terminal for the
// session; there is no automatic retry.
type TransportError struct {
	// Op is the phase that failed: "connect", "send" or "receive".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("call: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// errorKind classifies a fatal error for metrics.
func errorKind(err error) string {
	var media *MediaAccessError
	if errors.As(err, &media) {
		return "media"
	}
	return "transport"
}

// userMessage is the one line shown to the user for a fatal error.
func userMessage(err error) string {
	var media *MediaAccessError
	if errors.As(err, &media) {
		if media.Device == deviceSpeaker {
			return "Could not open the audio output device."
		}
		return "Could not access the microphone. Check that it is connected and permitted."
	}
	var transport *TransportError
	if errors.As(err, &transport) && transport.Op == "connect" {
		return "Could not connect to the voice assistant."
	}
	return "The connection to the voice assistant was lost."
}
