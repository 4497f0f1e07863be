package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/audio/capture"
)

// recordingTap counts frames and samples shown to it.
type recordingTap struct {
	frames  int
	samples int
}

func (r *recordingTap) Write(s []float32) {
	r.frames++
	r.samples += len(s)
}

// runBlocks feeds blocks through a fresh encoder and returns every envelope sent.
func runBlocks(t *testing.T, enc *capture.Encoder, blocks ...[]float32) []audio.Blob {
	t.Helper()
	in := make(chan []float32, len(blocks))
	for _, b := range blocks {
		in <- b
	}
	close(in)

	var sent []audio.Blob
	err := enc.Run(context.Background(), in, func(b audio.Blob) error {
		sent = append(sent, b)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return sent
}

func TestEncoder_SilentFrame(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder()
	sent := runBlocks(t, enc, make([]float32, capture.FrameSize))

	if len(sent) != 1 {
		t.Fatalf("envelopes = %d, want 1", len(sent))
	}
	if sent[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want audio/pcm;rate=16000", sent[0].MIMEType)
	}
	if len(sent[0].Data) != 8192 {
		t.Errorf("payload = %d bytes, want 8192", len(sent[0].Data))
	}
	for i, b := range sent[0].Data {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0 for silence", i, b)
		}
	}
}

func TestEncoder_Reframes(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder()
	sent := runBlocks(t, enc,
		make([]float32, 1000),
		make([]float32, 5000),
		make([]float32, 2192),
		make([]float32, 10), // partial frame, discarded on close
	)
	if len(sent) != 2 {
		t.Fatalf("envelopes = %d, want 2", len(sent))
	}
	for i, b := range sent {
		if len(b.Data) != capture.FrameSize*2 {
			t.Errorf("envelope %d: %d bytes, want %d", i, len(b.Data), capture.FrameSize*2)
		}
	}
}

func TestEncoder_PreservesSampleOrder(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder(capture.WithFrameSize(4))
	sent := runBlocks(t, enc,
		[]float32{0.25, 0.5, -0.25},
		[]float32{-0.5, 1, 0, 0, 0},
	)
	if len(sent) != 2 {
		t.Fatalf("envelopes = %d, want 2", len(sent))
	}
	got := audio.PCM16ToFloat(nil, sent[0].Data)
	want := []float32{0.25, 0.5, -0.25, -0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame 0 sample %d = %v, want %v", i, got[i], want[i])
		}
	}
	second := audio.PCM16ToFloat(nil, sent[1].Data)
	if second[0] != 32767.0/32768 {
		t.Errorf("frame 1 sample 0 = %v, want clamped full scale", second[0])
	}
}

func TestEncoder_FramesOwnTheirBytes(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder(capture.WithFrameSize(2))
	sent := runBlocks(t, enc, []float32{0.5, 0.5, -0.5, -0.5})
	if len(sent) != 2 {
		t.Fatalf("envelopes = %d, want 2", len(sent))
	}
	if &sent[0].Data[0] == &sent[1].Data[0] {
		t.Error("envelopes share a backing array")
	}
}

func TestEncoder_CustomRate(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder(capture.WithSampleRate(24000))
	if enc.MIMEType() != "audio/pcm;rate=24000" {
		t.Errorf("MIMEType = %q", enc.MIMEType())
	}
}

func TestEncoder_Tap(t *testing.T) {
	t.Parallel()

	tap := &recordingTap{}
	enc := capture.NewEncoder(capture.WithFrameSize(8), capture.WithTap(tap))
	runBlocks(t, enc, make([]float32, 20))
	if tap.frames != 2 || tap.samples != 16 {
		t.Errorf("tap saw %d frames / %d samples, want 2 / 16", tap.frames, tap.samples)
	}

	enc.SetTap(nil)
	runBlocks(t, enc, make([]float32, 8))
	if tap.frames != 2 {
		t.Errorf("detached tap still received frames: %d", tap.frames)
	}
}

func TestEncoder_SendError(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder(capture.WithFrameSize(4))
	in := make(chan []float32, 1)
	in <- make([]float32, 12)

	boom := errors.New("socket closed")
	calls := 0
	err := enc.Run(context.Background(), in, func(audio.Blob) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want wrapping %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("send called %d times, want 1", calls)
	}
}

func TestEncoder_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder()
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan []float32)

	done := make(chan error, 1)
	go func() {
		done <- enc.Run(ctx, in, func(audio.Blob) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
