package playback

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
)

// Compile-time interface assertion.
var _ Output = (*Timeline)(nil)

// Tap observes the mixed output without modifying it.
type Tap interface {
	Write(samples []float32)
}

// Timeline is a software output graph. Buffers are placed at absolute sample
// positions and mixed into whatever the sink pulls through [Timeline.Read].
// The clock is the number of samples rendered so far, so it only advances
// while the sink is consuming audio.
//
// All methods are safe for concurrent use.
type Timeline struct {
	rate int
	tap  atomic.Pointer[tapRef]

	mu      sync.Mutex
	pos     int64
	seq     uint64
	waiting voiceHeap
	active  []*timelineVoice
}

type tapRef struct{ t Tap }

type timelineVoice struct {
	tl      *Timeline
	samples []float32
	start   int64
	offset  int
	seq     uint64
	onEnded func()
	stopped bool
}

// NewTimeline returns a Timeline rendering mono audio at rate Hz.
func NewTimeline(rate int) *Timeline {
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	return &Timeline{rate: rate}
}

// SampleRate reports the rendering rate.
func (t *Timeline) SampleRate() int { return t.rate }

// SetTap routes the mixed output through tap. Passing nil detaches it.
func (t *Timeline) SetTap(tap Tap) {
	if tap == nil {
		t.tap.Store(nil)
		return
	}
	t.tap.Store(&tapRef{t: tap})
}

// Now implements [Clock].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samplesToDuration(t.pos)
}

func (t *Timeline) samplesToDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(t.rate)
}

func (t *Timeline) durationToSamples(d time.Duration) int64 {
	return int64((d*time.Duration(t.rate) + time.Second/2) / time.Second)
}

// Start implements [Output]. A start position already in the past plays
// immediately. Buffers at a different rate are resampled to the timeline rate.
func (t *Timeline) Start(buf Buffer, at time.Duration, onEnded func()) Voice {
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != t.rate {
		samples = audio.ResampleFloat(samples, buf.SampleRate, t.rate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	v := &timelineVoice{
		tl:      t,
		samples: samples,
		start:   max(t.durationToSamples(at), t.pos),
		seq:     t.seq,
		onEnded: onEnded,
	}
	heap.Push(&t.waiting, v)
	return v
}

// Stop implements [Voice].
func (v *timelineVoice) Stop() {
	v.tl.mu.Lock()
	v.stopped = true
	v.tl.mu.Unlock()
}

// Read renders len(dst) samples into dst, advancing the clock. Voices that
// finish during the call have their ended callbacks invoked after the
// timeline lock is released. Read always fills dst completely and returns
// len(dst).
func (t *Timeline) Read(dst []float32) int {
	clear(dst)
	n := int64(len(dst))

	t.mu.Lock()
	end := t.pos + n
	for t.waiting.Len() > 0 && t.waiting[0].start < end {
		v := heap.Pop(&t.waiting).(*timelineVoice)
		if !v.stopped {
			t.active = append(t.active, v)
		}
	}

	var ended []func()
	live := t.active[:0]
	for _, v := range t.active {
		if v.stopped {
			continue
		}
		i := max(v.start-t.pos, 0)
		for ; i < n && v.offset < len(v.samples); i++ {
			dst[i] += v.samples[v.offset]
			v.offset++
		}
		if v.offset >= len(v.samples) {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		live = append(live, v)
	}
	clear(t.active[len(live):])
	t.active = live
	t.pos = end
	t.mu.Unlock()

	for i, s := range dst {
		dst[i] = min(max(s, -1), 1)
	}
	if ref := t.tap.Load(); ref != nil {
		ref.t.Write(dst)
	}
	for _, fn := range ended {
		fn()
	}
	return len(dst)
}

// Drive pulls audio from the timeline in real time and discards it, for
// running without a speaker. Every period it renders the samples that elapsed.
// It returns when ctx is done.
func (t *Timeline) Drive(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	buf := make([]float32, t.durationToSamples(period))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Read(buf)
		}
	}
}
