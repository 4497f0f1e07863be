package tts

import (
	"testing"
	"time"
)

func TestSpeech_Duration(t *testing.T) {
	tests := []struct {
		name   string
		speech Speech
		want   time.Duration
	}{
		{"one second at 24k", Speech{PCM: make([]byte, 48000), SampleRate: 24000}, time.Second},
		{"half second at 16k", Speech{PCM: make([]byte, 16000), SampleRate: 16000}, 500 * time.Millisecond},
		{"zero rate", Speech{PCM: make([]byte, 10)}, 0},
	}
	for _, tc := range tests {
		if got := tc.speech.Duration(); got != tc.want {
			t.Errorf("%s: Duration() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSpeech_Samples(t *testing.T) {
	s := Speech{PCM: []byte{0x00, 0x40, 0x00, 0xc0}, SampleRate: 24000}
	got := s.Samples()
	if len(got) != 2 || got[0] != 0.5 || got[1] != -0.5 {
		t.Errorf("Samples() = %v, want [0.5 -0.5]", got)
	}
}
