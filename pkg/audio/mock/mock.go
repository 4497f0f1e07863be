// Package mock provides in-memory implementations of the capture and playback
// device interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewMicrophone()
//	out := mock.NewOutput()
//	ctrl := call.New(provider, mic, func(playback.Tap) (playback.Output, error) { return out, nil })
//	mic.Stream().Feed(make([]float32, 4096))
//	out.SetNow(2500 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livecall/pkg/audio/capture"
	"github.com/MrWong99/livecall/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Microphone = (*Microphone)(nil)
	_ capture.Stream     = (*Stream)(nil)
	_ playback.Output    = (*Output)(nil)
	_ playback.Voice     = (*Voice)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [capture.Microphone]. Every successful
// Open returns a fresh [Stream]; the latest one is available via
// [Microphone.Stream].
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// BufferSize is the channel capacity of streams returned by Open.
	// Defaults to 64 when zero.
	BufferSize int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	streams []*Stream
}

// NewMicrophone returns a Microphone that grants access.
func NewMicrophone() *Microphone { return &Microphone{} }

// Open implements [capture.Microphone].
func (m *Microphone) Open(_ context.Context) (capture.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	size := m.BufferSize
	if size <= 0 {
		size = 64
	}
	s := &Stream{samples: make(chan []float32, size)}
	m.streams = append(m.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (m *Microphone) Stream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// Streams returns every stream opened so far, in order.
func (m *Microphone) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, len(m.streams))
	copy(out, m.streams)
	return out
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [capture.Stream]. Tests push samples with
// [Stream.Feed].
type Stream struct {
	mu      sync.Mutex
	samples chan []float32
	closed  bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Samples implements [capture.Stream].
func (s *Stream) Samples() <-chan []float32 { return s.samples }

// Feed delivers a block of samples. It reports false if the stream is closed.
func (s *Stream) Feed(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.samples <- block
	return true
}

// Close implements [capture.Stream]. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.samples)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Voice records one buffer handed to an [Output].
type Voice struct {
	// At is the requested start position.
	At time.Duration
	// Buffer is the buffer passed to Start.
	Buffer playback.Buffer

	mu      sync.Mutex
	stopped bool
	ended   bool
	onEnded func()
}

// Stop implements [playback.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop has been called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// End simulates the voice playing to its natural end and fires its ended
// callback once. Stopped voices never end.
func (v *Voice) End() {
	v.mu.Lock()
	if v.stopped || v.ended {
		v.mu.Unlock()
		return
	}
	v.ended = true
	fn := v.onEnded
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Output is a mock implementation of [playback.Output] with a manually set
// clock. It never plays anything; voices end only when a test calls
// [Voice.End] or [Output.Advance].
type Output struct {
	mu     sync.Mutex
	now    time.Duration
	voices []*Voice
}

// NewOutput returns an Output whose clock reads zero.
func NewOutput() *Output { return &Output{} }

// Now implements [playback.Clock].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock to d.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the clock to d and ends every voice that finished by then.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now = d
	var done []*Voice
	for _, v := range o.voices {
		if v.At+v.Buffer.Duration() <= d {
			done = append(done, v)
		}
	}
	o.mu.Unlock()
	for _, v := range done {
		v.End()
	}
}

// Start implements [playback.Output].
func (o *Output) Start(buf playback.Buffer, at time.Duration, onEnded func()) playback.Voice {
	v := &Voice{At: at, Buffer: buf, onEnded: onEnded}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.voices = append(o.voices, v)
	return v
}

// Voices returns every voice started so far, in order.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Voice, len(o.voices))
	copy(out, o.voices)
	return out
}

// ─── Tap ──────────────────────────────────────────────────────────────────────

// Tap records every block written to it. It satisfies both capture.Tap and
// playback.Tap.
type Tap struct {
	mu     sync.Mutex
	blocks [][]float32
}

// Write records a copy of samples.
func (t *Tap) Write(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks = append(t.blocks, append([]float32(nil), samples...))
}

// Blocks returns the number of blocks written.
func (t *Tap) Blocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.blocks)
}
