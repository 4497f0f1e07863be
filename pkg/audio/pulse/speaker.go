package pulse

import (
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"

	"github.com/MrWong99/livecall/pkg/audio/playback"
)

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithSink selects the output sink by name. The default sink is used when
// empty.
func WithSink(name string) SpeakerOption {
	return func(s *Speaker) { s.sink = name }
}

// WithLatency sets the requested playback latency in seconds.
func WithLatency(seconds float64) SpeakerOption {
	return func(s *Speaker) {
		if seconds > 0 {
			s.latency = seconds
		}
	}
}

// Speaker plays a [playback.Timeline] through a Pulse playback stream. The
// stream pulls from the timeline, so the timeline clock follows the device.
type Speaker struct {
	tl      *playback.Timeline
	sink    string
	latency float64

	client *pulse.Client
	stream *pulse.PlaybackStream

	scratch []float32

	mu     sync.Mutex
	closed bool
}

// NewSpeaker connects to the pulse server and starts playing tl.
func NewSpeaker(tl *playback.Timeline, opts ...SpeakerOption) (*Speaker, error) {
	s := &Speaker{tl: tl, latency: 0.05}
	for _, o := range opts {
		o(s)
	}

	client, err := newClient()
	if err != nil {
		return nil, err
	}
	s.client = client

	popts := []pulse.PlaybackOption{
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(tl.SampleRate()),
		pulse.PlaybackLatency(s.latency),
		pulse.PlaybackMediaName("livecall voice"),
	}
	if s.sink != "" {
		sink, err := client.SinkByID(s.sink)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("pulse: resolve sink %q: %w", s.sink, err)
		}
		popts = append(popts, pulse.PlaybackSink(sink))
	}

	stream, err := client.NewPlayback(pulse.Int16Reader(s.fill), popts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pulse: create playback stream: %w", err)
	}
	s.stream = stream
	stream.Start()
	return s, nil
}

// fill renders the next len(buf) samples of the timeline as int16. It never
// signals end of data; silence is played while nothing is scheduled.
func (s *Speaker) fill(buf []int16) (int, error) {
	if cap(s.scratch) < len(buf) {
		s.scratch = make([]float32, len(buf))
	}
	f := s.scratch[:len(buf)]
	s.tl.Read(f)
	for i, v := range f {
		buf[i] = int16(v * 32767)
	}
	return len(buf), nil
}

// Timeline returns the timeline this speaker plays.
func (s *Speaker) Timeline() *playback.Timeline { return s.tl }

// Err reports a playback stream failure, if any.
func (s *Speaker) Err() error {
	if s.stream == nil {
		return nil
	}
	return s.stream.Error()
}

// Close stops playback and disconnects. It is idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
