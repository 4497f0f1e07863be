package playback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
)

// Chunk is one encoded piece of model audio exactly as it arrived from the
// remote session: a base64 payload and its MIME type.
type Chunk struct {
	MIMEType string
	Data     string
}

// Buffer is decoded mono audio ready to be placed on the output timeline.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration is the playback length of the buffer at its own sample rate.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// DecodeError reports a chunk that could not be turned into a [Buffer]. The
// chunk is dropped; the call carries on.
type DecodeError struct {
	MIMEType string
	Size     int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("playback: decode %d byte %q chunk: %v", e.Size, e.MIMEType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errEmptyChunk  = errors.New("empty payload")
	errOddLength   = errors.New("odd byte count for 16-bit samples")
	errUnsupported = errors.New("unsupported media type")
)

// Decoder turns an encoded chunk into a playable buffer.
type Decoder func(Chunk) (Buffer, error)

// PCMDecoder returns a [Decoder] for base64 PCM16 chunks. Chunks whose MIME
// type carries no rate are assumed to be at defaultRate.
func PCMDecoder(defaultRate int) Decoder {
	return func(c Chunk) (Buffer, error) {
		rate, ok := audio.ParsePCMMIMEType(c.MIMEType)
		if !ok {
			return Buffer{}, &DecodeError{MIMEType: c.MIMEType, Size: len(c.Data), Err: errUnsupported}
		}
		if rate == 0 {
			rate = defaultRate
		}
		raw, err := base64.StdEncoding.DecodeString(c.Data)
		if err != nil {
			return Buffer{}, &DecodeError{MIMEType: c.MIMEType, Size: len(c.Data), Err: err}
		}
		buf, err := PCM16Buffer(raw, rate)
		if err != nil {
			return Buffer{}, &DecodeError{MIMEType: c.MIMEType, Size: len(c.Data), Err: err}
		}
		return buf, nil
	}
}

// PCM16Buffer wraps raw little-endian PCM16 bytes as a [Buffer].
func PCM16Buffer(raw []byte, rate int) (Buffer, error) {
	switch {
	case len(raw) == 0:
		return Buffer{}, errEmptyChunk
	case len(raw)%2 != 0:
		return Buffer{}, errOddLength
	}
	return Buffer{Samples: audio.PCM16ToFloat(nil, raw), SampleRate: rate}, nil
}
