package pulse

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/audio/capture"
)

// Compile-time interface assertions.
var (
	_ capture.Microphone = (*Microphone)(nil)
	_ capture.Stream     = (*recordStream)(nil)
)

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithSource selects the capture source by ID or description substring. The
// default source is used when empty.
func WithSource(term string) MicOption {
	return func(m *Microphone) { m.source = term }
}

// WithRecordSampleRate sets the capture rate. Defaults to 16 kHz.
func WithRecordSampleRate(rate int) MicOption {
	return func(m *Microphone) {
		if rate > 0 {
			m.rate = rate
		}
	}
}

// WithFragmentSamples sets the number of samples Pulse delivers per callback.
func WithFragmentSamples(n int) MicOption {
	return func(m *Microphone) {
		if n > 0 {
			m.fragment = n
		}
	}
}

// Microphone opens PulseAudio record streams. It implements
// [capture.Microphone].
type Microphone struct {
	source   string
	rate     int
	fragment int
}

// NewMicrophone returns a Microphone recording mono 16 kHz audio in
// one-frame fragments.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{rate: audio.InputSampleRate, fragment: capture.FrameSize}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open connects to the pulse server and starts recording. The stream stops
// when ctx is done or Close is called.
func (m *Microphone) Open(ctx context.Context) (capture.Stream, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}

	var source *pulse.Source
	if m.source == "" || m.source == "default" {
		source, err = client.DefaultSource()
	} else {
		source, err = client.SourceByID(m.source)
		if err != nil {
			source, err = m.sourceByDescription(ctx, client)
		}
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pulse: resolve source %q: %w", m.source, err)
	}

	rs := &recordStream{
		client:  client,
		samples: make(chan []float32, 32),
		stopCh:  make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(rs.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(m.rate),
		pulse.RecordBufferFragmentSize(uint32(m.fragment*2)),
		pulse.RecordMediaName("livecall microphone"),
	)
	if err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("pulse: create record stream: %w", err)
	}
	rs.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = rs.Close()
		case <-rs.stopCh:
		}
	}()
	return rs, nil
}

// sourceByDescription resolves the configured term against the source list
// when it is not an exact source ID.
func (m *Microphone) sourceByDescription(ctx context.Context, client *pulse.Client) (*pulse.Source, error) {
	devices, err := ListSources(ctx)
	if err != nil {
		return nil, err
	}
	d, ok := FindDevice(devices, m.source)
	if !ok {
		return nil, fmt.Errorf("no source matches %q", m.source)
	}
	return client.SourceByID(d.ID)
}

// recordStream adapts a Pulse record stream to [capture.Stream].
type recordStream struct {
	client *pulse.Client
	stream *pulse.RecordStream

	samples chan []float32
	stopCh  chan struct{}

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

func (r *recordStream) Samples() <-chan []float32 { return r.samples }

// Close stops the record stream, disconnects from the server and closes
// Samples exactly once.
func (r *recordStream) Close() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	if r.stream != nil {
		r.stream.Stop()
		r.stream.Close()
	}
	if r.client != nil {
		r.client.Close()
	}

	r.inflight.Wait()
	close(r.samples)
	return nil
}

// onPCM receives little-endian int16 PCM from Pulse and forwards it as float
// samples.
func (r *recordStream) onPCM(buffer []byte) (int, error) {
	if len(buffer) < 2 {
		return len(buffer), nil
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as stopped so Close cannot race Wait.
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	block := audio.PCM16ToFloat(nil, buffer)
	select {
	case <-r.stopCh:
		return 0, io.EOF
	case r.samples <- block:
	}
	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
