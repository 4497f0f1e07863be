// Package audio holds the sample-format primitives shared by the capture and
// playback halves of a live call: the wire [Blob] envelope, PCM MIME types and
// the float32 <-> int16 conversions.
//
// The pipeline works in two fixed formats: microphone input is mono 16 kHz and
// model output is mono 24 kHz. Both travel as little-endian signed 16-bit PCM.
package audio

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// InputSampleRate is the capture rate expected by the streaming transport.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of the audio the model streams back.
	OutputSampleRate = 24000

	// pcmMIMEPrefix is the media type shared by every raw PCM payload.
	pcmMIMEPrefix = "audio/pcm"
)

// Blob is one encoded audio payload as it travels over the transport: raw
// bytes plus a MIME tag such as "audio/pcm;rate=16000".
type Blob struct {
	Data     []byte
	MIMEType string
}

// PCMMIMEType returns the MIME tag for mono PCM16 at the given rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("%s;rate=%d", pcmMIMEPrefix, rate)
}

// ParsePCMMIMEType extracts the sample rate from a PCM MIME tag. It accepts
// "audio/pcm" with an optional rate parameter and the "audio/L16" spelling
// some endpoints use. ok is false for any other media type. A missing rate
// yields 0 so callers can substitute their own default.
func ParsePCMMIMEType(mime string) (rate int, ok bool) {
	parts := strings.Split(mime, ";")
	media := strings.ToLower(strings.TrimSpace(parts[0]))
	if media != pcmMIMEPrefix && media != "audio/l16" {
		return 0, false
	}
	for _, p := range parts[1:] {
		key, val, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || !strings.EqualFold(key, "rate") {
			continue
		}
		r, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || r <= 0 {
			return 0, false
		}
		rate = r
	}
	return rate, true
}
