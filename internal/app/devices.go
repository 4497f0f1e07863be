package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livecall/internal/config"
	"github.com/MrWong99/livecall/pkg/audio/capture"
	"github.com/MrWong99/livecall/pkg/audio/playback"
	"github.com/MrWong99/livecall/pkg/audio/pulse"
)

// drivePeriod is how often the headless output renders elapsed audio.
const drivePeriod = 20 * time.Millisecond

// initDevices builds the microphone and output factory for audio.backend
// unless both were injected with [WithDevices].
func (a *App) initDevices() error {
	if a.mic != nil && a.newOutput != nil {
		return nil
	}
	ac := a.cfg.Audio
	switch ac.Backend {
	case config.BackendPulse:
		a.mic = pulse.NewMicrophone(
			pulse.WithSource(ac.InputDevice),
			pulse.WithRecordSampleRate(ac.InputSampleRate),
			pulse.WithFragmentSamples(ac.FrameSize),
		)
		a.newOutput = a.pulseOutput(ac)
	case config.BackendNone:
		a.mic = &silentMicrophone{rate: ac.InputSampleRate, block: ac.FrameSize}
		a.newOutput = a.headlessOutput(ac)
	default:
		return fmt.Errorf("unknown audio backend %q", ac.Backend)
	}
	return nil
}

// pulseOutput plays the output timeline through a pulse sink. The speaker
// lives until Shutdown.
func (a *App) pulseOutput(ac config.AudioConfig) func(playback.Tap) (playback.Output, error) {
	return func(tap playback.Tap) (playback.Output, error) {
		tl := playback.NewTimeline(ac.OutputSampleRate)
		tl.SetTap(tap)
		spk, err := pulse.NewSpeaker(tl,
			pulse.WithSink(ac.OutputDevice),
			pulse.WithLatency(ac.OutputLatency.Seconds()),
		)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.deviceCheck = spk.Err
		a.mu.Unlock()
		a.addCloser(spk.Close)
		a.log.Info("audio output opened", "sink", ac.OutputDevice, "rate", ac.OutputSampleRate)
		return tl, nil
	}
}

// headlessOutput advances the output timeline in real time without a device.
func (a *App) headlessOutput(ac config.AudioConfig) func(playback.Tap) (playback.Output, error) {
	return func(tap playback.Tap) (playback.Output, error) {
		tl := playback.NewTimeline(ac.OutputSampleRate)
		tl.SetTap(tap)
		ctx, cancel := context.WithCancel(context.Background())
		go tl.Drive(ctx, drivePeriod)
		a.addCloser(func() error { cancel(); return nil })
		return tl, nil
	}
}

// silentMicrophone produces zero samples at the real-time rate. It lets the
// pipeline run on machines without a capture device.
type silentMicrophone struct {
	rate  int
	block int
}

var _ capture.Microphone = (*silentMicrophone)(nil)

func (m *silentMicrophone) Open(ctx context.Context) (capture.Stream, error) {
	if m.rate <= 0 || m.block <= 0 {
		return nil, fmt.Errorf("silent microphone: invalid rate %d or block %d", m.rate, m.block)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &silentStream{samples: make(chan []float32, 4), cancel: cancel}
	period := time.Duration(m.block) * time.Second / time.Duration(m.rate)
	go s.run(ctx, period, m.block)
	return s, nil
}

type silentStream struct {
	samples chan []float32
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *silentStream) Samples() <-chan []float32 { return s.samples }

func (s *silentStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *silentStream) run(ctx context.Context, period time.Duration, block int) {
	defer close(s.samples)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case s.samples <- make([]float32, block):
			case <-ctx.Done():
				return
			}
		}
	}
}
