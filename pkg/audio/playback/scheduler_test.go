package playback_test

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livecall/pkg/audio/mock"
	"github.com/MrWong99/livecall/pkg/audio/playback"
)

// chunkOf returns a base64 PCM16 chunk exactly d long at 24 kHz.
func chunkOf(d time.Duration) playback.Chunk {
	samples := int(d * 24000 / time.Second)
	return playback.Chunk{
		MIMEType: "audio/pcm;rate=24000",
		Data:     base64.StdEncoding.EncodeToString(make([]byte, samples*2)),
	}
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.NewScheduler(out)

	for range 3 {
		if _, err := s.Schedule(chunkOf(time.Second)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	voices := out.Voices()
	want := []time.Duration{0, time.Second, 2 * time.Second}
	if len(voices) != len(want) {
		t.Fatalf("voices = %d, want %d", len(voices), len(want))
	}
	for i, v := range voices {
		if v.At != want[i] {
			t.Errorf("voice %d starts at %v, want %v", i, v.At, want[i])
		}
	}
	if got := s.NextStart(); got != 3*time.Second {
		t.Errorf("NextStart = %v, want 3s", got)
	}
	if got := s.Pending(); got != 3 {
		t.Errorf("Pending = %d, want 3", got)
	}
}

func TestScheduler_StartsAreMonotonicAndDisjoint(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.NewScheduler(out)

	sizes := []time.Duration{120 * time.Millisecond, 40 * time.Millisecond, 1 * time.Second, 5 * time.Millisecond}
	clock := []time.Duration{0, 50 * time.Millisecond, 2 * time.Second, 2100 * time.Millisecond}
	var units []*playback.Unit
	for i, d := range sizes {
		out.SetNow(clock[i])
		u, err := s.Schedule(chunkOf(d))
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		if u.Start < clock[i] {
			t.Errorf("unit %d starts at %v, before the clock %v", i, u.Start, clock[i])
		}
		units = append(units, u)
	}
	for i := 1; i < len(units); i++ {
		if units[i].Start < units[i-1].End() {
			t.Errorf("unit %d starts at %v, overlapping unit %d ending at %v", i, units[i].Start, i-1, units[i-1].End())
		}
	}
}

func TestScheduler_CursorCatchesUpWithClock(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.NewScheduler(out)

	if _, err := s.Schedule(chunkOf(time.Second)); err != nil {
		t.Fatal(err)
	}
	out.SetNow(5 * time.Second)
	u, err := s.Schedule(chunkOf(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if u.Start != 5*time.Second {
		t.Errorf("Start = %v, want 5s", u.Start)
	}
	if s.NextStart() != 6*time.Second {
		t.Errorf("NextStart = %v, want 6s", s.NextStart())
	}
}

func TestScheduler_Interrupt(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.NewScheduler(out)
	for range 3 {
		if _, err := s.Schedule(chunkOf(time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	if n := s.Interrupt(); n != 3 {
		t.Errorf("Interrupt stopped %d units, want 3", n)
	}
	for i, v := range out.Voices() {
		if !v.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d after interrupt, want 0", s.Pending())
	}
	if s.NextStart() != 0 {
		t.Errorf("NextStart = %v after interrupt, want 0", s.NextStart())
	}

	out.SetNow(2500 * time.Millisecond)
	u, err := s.Schedule(chunkOf(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if u.Start != 2500*time.Millisecond {
		t.Errorf("post-interrupt start = %v, want 2.5s", u.Start)
	}
}

func TestScheduler_InterruptWithNothingPending(t *testing.T) {
	t.Parallel()

	s := playback.NewScheduler(mock.NewOutput())
	if n := s.Interrupt(); n != 0 {
		t.Errorf("Interrupt = %d, want 0", n)
	}
	if n := s.Interrupt(); n != 0 {
		t.Errorf("second Interrupt = %d, want 0", n)
	}
}

func TestScheduler_EndedUnitsLeavePendingSet(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.NewScheduler(out)
	for range 2 {
		if _, err := s.Schedule(chunkOf(time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	out.Voices()[0].End()
	if s.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", s.Pending())
	}
	if n := s.Interrupt(); n != 1 {
		t.Errorf("Interrupt stopped %d, want 1", n)
	}
	if out.Voices()[0].Stopped() {
		t.Error("finished voice was stopped again")
	}
}

func TestScheduler_DecodeErrorLeavesCursor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chunk playback.Chunk
	}{
		{"bad base64", playback.Chunk{MIMEType: "audio/pcm;rate=24000", Data: "!!not base64!!"}},
		{"odd length", playback.Chunk{MIMEType: "audio/pcm;rate=24000", Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}},
		{"empty", playback.Chunk{MIMEType: "audio/pcm;rate=24000"}},
		{"unsupported type", playback.Chunk{MIMEType: "audio/mpeg", Data: base64.StdEncoding.EncodeToString([]byte{1, 2})}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			out := mock.NewOutput()
			s := playback.NewScheduler(out)
			if _, err := s.Schedule(chunkOf(time.Second)); err != nil {
				t.Fatal(err)
			}

			_, err := s.Schedule(tc.chunk)
			var de *playback.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DecodeError", err)
			}
			if s.NextStart() != time.Second {
				t.Errorf("NextStart = %v, want 1s", s.NextStart())
			}
			if len(out.Voices()) != 1 {
				t.Errorf("voices = %d, want 1", len(out.Voices()))
			}
		})
	}
}

func TestScheduler_InterruptDuringDecodeSupersedes(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	var s *playback.Scheduler
	decode := playback.PCMDecoder(24000)
	s = playback.NewScheduler(out, playback.WithDecoder(func(c playback.Chunk) (playback.Buffer, error) {
		s.Interrupt()
		return decode(c)
	}))

	_, err := s.Schedule(chunkOf(time.Second))
	if !errors.Is(err, playback.ErrSuperseded) {
		t.Fatalf("err = %v, want ErrSuperseded", err)
	}
	if len(out.Voices()) != 0 {
		t.Errorf("voices = %d, want 0", len(out.Voices()))
	}
}

func TestScheduler_ArrivalOrderWithSlowDecode(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	decode := playback.PCMDecoder(24000)
	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	fastDecoded := make(chan struct{})
	s := playback.NewScheduler(out, playback.WithDecoder(func(c playback.Chunk) (playback.Buffer, error) {
		switch c.MIMEType {
		case "audio/pcm;rate=24000;slow":
			close(slowStarted)
			<-releaseSlow
			c.MIMEType = "audio/pcm;rate=24000"
		default:
			defer close(fastDecoded)
		}
		return decode(c)
	}))

	slow := chunkOf(time.Second)
	slow.MIMEType += ";slow"
	fast := chunkOf(500 * time.Millisecond)

	type result struct {
		u   *playback.Unit
		err error
	}
	slowDone := make(chan result, 1)
	fastDone := make(chan result, 1)

	go func() {
		u, err := s.Schedule(slow)
		slowDone <- result{u, err}
	}()
	<-slowStarted
	go func() {
		u, err := s.Schedule(fast)
		fastDone <- result{u, err}
	}()
	<-fastDecoded

	// The fast chunk is decoded but must wait behind the slow one.
	select {
	case r := <-fastDone:
		t.Fatalf("fast chunk scheduled before the earlier slow chunk: %+v", r)
	case <-time.After(30 * time.Millisecond):
	}
	if n := len(out.Voices()); n != 0 {
		t.Fatalf("voices = %d before the slow decode finished, want 0", n)
	}

	close(releaseSlow)
	a, b := <-slowDone, <-fastDone
	if a.err != nil || b.err != nil {
		t.Fatalf("Schedule errors: slow=%v fast=%v", a.err, b.err)
	}
	if a.u.Start != 0 || b.u.Start != time.Second {
		t.Errorf("starts = slow %v, fast %v; want 0 and 1s", a.u.Start, b.u.Start)
	}

	voices := out.Voices()
	if len(voices) != 2 || voices[0].Buffer.Duration() != time.Second {
		t.Fatalf("first voice is not the slow chunk: %+v", voices)
	}
}

func TestScheduler_FailedDecodePassesTurn(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.NewScheduler(out)

	if _, err := s.Schedule(playback.Chunk{MIMEType: "audio/pcm;rate=24000", Data: "!!"}); err == nil {
		t.Fatal("expected decode error")
	}
	done := make(chan *playback.Unit, 1)
	go func() {
		u, _ := s.Schedule(chunkOf(time.Second))
		done <- u
	}()
	select {
	case u := <-done:
		if u == nil || u.Start != 0 {
			t.Errorf("unit = %+v, want start 0", u)
		}
	case <-time.After(time.Second):
		t.Fatal("Schedule blocked after a failed decode")
	}
}

func TestScheduler_ScheduleBuffer(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.NewScheduler(out)
	if _, err := s.Schedule(chunkOf(500 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	u := s.ScheduleBuffer(playback.Buffer{Samples: make([]float32, 16000), SampleRate: 16000})
	if u.Start != 500*time.Millisecond || u.Duration != time.Second {
		t.Errorf("unit = %v+%v, want 500ms+1s", u.Start, u.Duration)
	}
	if s.Lead() != 1500*time.Millisecond {
		t.Errorf("Lead = %v, want 1.5s", s.Lead())
	}
}

func TestBuffer_Duration(t *testing.T) {
	t.Parallel()

	if d := (playback.Buffer{Samples: make([]float32, 12000), SampleRate: 24000}).Duration(); d != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", d)
	}
	if d := (playback.Buffer{Samples: make([]float32, 10)}).Duration(); d != 0 {
		t.Errorf("zero-rate Duration = %v, want 0", d)
	}
}

func TestPCMDecoder_DefaultRate(t *testing.T) {
	t.Parallel()

	buf, err := playback.PCMDecoder(24000)(playback.Chunk{
		MIMEType: "audio/pcm",
		Data:     base64.StdEncoding.EncodeToString([]byte{0x00, 0x40, 0x00, 0xc0}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if buf.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", buf.SampleRate)
	}
	if len(buf.Samples) != 2 || buf.Samples[0] != 0.5 || buf.Samples[1] != -0.5 {
		t.Errorf("Samples = %v, want [0.5 -0.5]", buf.Samples)
	}
}
