// Package tts defines the Provider interface for one-shot text-to-speech
// backends.
//
// The call controller uses a Provider for its "speak" feature: a short piece
// of text is synthesised to mono PCM16 and handed to the same playback
// scheduler that plays the live model audio, so the spoken text lines up
// gaplessly with everything already queued and is cut by barge-in like any
// other chunk.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
)

// Speech is the synthesised audio for one request.
type Speech struct {
	// PCM is little-endian signed 16-bit mono audio.
	PCM []byte

	// SampleRate is the sample rate of PCM in Hz.
	SampleRate int
}

// Duration reports the playback length of the speech.
func (s Speech) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	samples := len(s.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(s.SampleRate)
}

// Samples decodes PCM into float32 samples in [-1, 1).
func (s Speech) Samples() []float32 {
	return audio.PCM16ToFloat(nil, s.PCM)
}

// Provider is the abstraction over any one-shot TTS backend.
type Provider interface {
	// Synthesize converts text to speech using the named voice. An empty voice
	// selects the provider's default. Returns an error when the backend fails
	// or returns no audio.
	Synthesize(ctx context.Context, text, voice string) (Speech, error)
}
