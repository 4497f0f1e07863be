// Package capture turns a live microphone stream into the fixed-size PCM16
// envelopes sent over a duplex voice session.
//
// The device delivers float samples in [-1, 1] in whatever block size it
// likes. The [Encoder] re-frames them into blocks of exactly [FrameSize]
// samples, converts each block to little-endian int16 and hands the resulting
// [audio.Blob] to a send function as soon as it is complete. Work per frame is
// linear in the frame size and allocates only the outgoing payload.
package capture

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/livecall/pkg/audio"
)

// FrameSize is the number of samples per encoded frame (256 ms at 16 kHz).
const FrameSize = 4096

// Stream is an open microphone. Samples delivers blocks of mono float samples
// at the rate the microphone was opened with; the channel is closed once the
// stream stops. Close stops the underlying device tracks and is idempotent.
type Stream interface {
	Samples() <-chan []float32
	Close() error
}

// Microphone grants access to an audio input device. Open fails when
// permission is denied or no device is present.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Tap observes captured samples without consuming or modifying them. The
// level meter's input analyser is the usual implementation.
type Tap interface {
	Write(samples []float32)
}

// Option configures an [Encoder].
type Option func(*Encoder)

// WithFrameSize overrides [FrameSize]. Non-positive values are ignored.
func WithFrameSize(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.frameSize = n
		}
	}
}

// WithSampleRate sets the rate advertised in the envelope MIME type.
func WithSampleRate(rate int) Option {
	return func(e *Encoder) {
		if rate > 0 {
			e.rate = rate
		}
	}
}

// WithTap attaches an input tap at construction time.
func WithTap(t Tap) Option {
	return func(e *Encoder) { e.SetTap(t) }
}

// Encoder frames, converts and packages microphone audio. An Encoder is used
// by a single [Encoder.Run] loop at a time; [Encoder.SetTap] may be called
// concurrently with it.
type Encoder struct {
	frameSize int
	rate      int
	mimeType  string

	tap atomic.Pointer[tapRef]

	pending []float32
}

type tapRef struct{ t Tap }

// NewEncoder returns an Encoder producing 4096-sample frames tagged
// "audio/pcm;rate=16000" unless overridden by opts.
func NewEncoder(opts ...Option) *Encoder {
	e := &Encoder{
		frameSize: FrameSize,
		rate:      audio.InputSampleRate,
	}
	for _, o := range opts {
		o(e)
	}
	e.mimeType = audio.PCMMIMEType(e.rate)
	e.pending = make([]float32, 0, e.frameSize*2)
	return e
}

// FrameSize reports the configured frame length in samples.
func (e *Encoder) FrameSize() int { return e.frameSize }

// MIMEType reports the MIME tag stamped on every envelope.
func (e *Encoder) MIMEType() string { return e.mimeType }

// SetTap attaches t as the input tap, replacing any previous one. Passing nil
// detaches the current tap.
func (e *Encoder) SetTap(t Tap) {
	if t == nil {
		e.tap.Store(nil)
		return
	}
	e.tap.Store(&tapRef{t: t})
}

// Encode converts one frame to an envelope. The frame length is not checked;
// [Encoder.Run] only ever passes full frames.
func (e *Encoder) Encode(frame []float32) audio.Blob {
	return audio.Blob{
		Data:     audio.FloatToPCM16(nil, frame),
		MIMEType: e.mimeType,
	}
}

// Run consumes sample blocks from in until in is closed or ctx is done. Every
// time a full frame has accumulated it is shown to the tap, encoded and passed
// to send. A partial frame left over when in closes is discarded.
//
// Run returns nil when in closes or ctx is cancelled, and the wrapped send
// error if send fails.
func (e *Encoder) Run(ctx context.Context, in <-chan []float32, send func(audio.Blob) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-in:
			if !ok {
				return nil
			}
			if err := e.push(block, send); err != nil {
				return err
			}
		}
	}
}

// push appends block to the pending buffer and emits every complete frame.
func (e *Encoder) push(block []float32, send func(audio.Blob) error) error {
	e.pending = append(e.pending, block...)

	off := 0
	for len(e.pending)-off >= e.frameSize {
		frame := e.pending[off : off+e.frameSize]
		off += e.frameSize

		if ref := e.tap.Load(); ref != nil {
			ref.t.Write(frame)
		}
		if err := send(e.Encode(frame)); err != nil {
			e.pending = e.pending[:copy(e.pending, e.pending[off:])]
			return fmt.Errorf("capture: send frame: %w", err)
		}
	}
	e.pending = e.pending[:copy(e.pending, e.pending[off:])]
	return nil
}
