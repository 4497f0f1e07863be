package meter

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultInterval is the display cadence, roughly one frame at 60 Hz.
const DefaultInterval = 16 * time.Millisecond

// Levels is one reading of both audio directions.
type Levels struct {
	Input  float64
	Output float64
}

// Source supplies the analysers to read. Either may be nil, for example
// before the first call started; a nil analyser reads as silence.
type Source interface {
	Analysers() (input, output *Analyser)
}

// Option configures a [Meter].
type Option func(*Meter)

// WithInterval sets the sampling cadence. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(m *Meter) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithObserver registers fn to receive every reading. fn is called from the
// Run goroutine and must not block.
func WithObserver(fn func(Levels)) Option {
	return func(m *Meter) { m.observers = append(m.observers, fn) }
}

// Meter samples a [Source] on a fixed cadence.
type Meter struct {
	src       Source
	interval  time.Duration
	observers []func(Levels)

	mu   sync.Mutex
	last Levels
}

// New returns a Meter reading src.
func New(src Source, opts ...Option) *Meter {
	m := &Meter{src: src, interval: DefaultInterval}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Sample takes one reading, records it as the latest and returns it.
func (m *Meter) Sample() Levels {
	in, out := m.src.Analysers()
	l := Levels{Input: Volume(in), Output: Volume(out)}
	m.mu.Lock()
	m.last = l
	m.mu.Unlock()
	return l
}

// Last returns the most recent reading without sampling.
func (m *Meter) Last() Levels {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run samples every interval and publishes each reading to the observers. It
// returns nil when ctx is cancelled.
func (m *Meter) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l := m.Sample()
			for _, fn := range m.observers {
				fn(l)
			}
		}
	}
}

// Bar renders level as a fixed-width text bar, saturating at 1.
func Bar(level float64, width int) string {
	if width <= 0 {
		return ""
	}
	n := int(min(max(level, 0), 1)*float64(width) + 0.5)
	return strings.Repeat("#", n) + strings.Repeat(".", width-n)
}
