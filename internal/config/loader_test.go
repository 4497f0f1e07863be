package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/livecall/internal/config"
)

func TestValidate_DuplicatePersonaNames(t *testing.T) {
	yaml := `
personas:
  - name: vanessa
    preset: call-center
  - name: vanessa
    voice: Puck
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate persona names")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_UnknownPreset(t *testing.T) {
	yaml := `
personas:
  - name: x
    preset: receptionist
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "preset") {
		t.Fatalf("expected preset error, got %v", err)
	}
}

func TestValidate_InvalidModality(t *testing.T) {
	yaml := `
personas:
  - name: x
    modalities: [AUDIO, VIDEO]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "VIDEO") {
		t.Fatalf("expected modality error, got %v", err)
	}
}

func TestValidate_MissingPersonaName(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{S2S: config.ProviderEntry{Name: "gemini-live"}},
		Personas:  []config.PersonaConfig{{Voice: "Puck"}},
	}
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "personas[0].name") {
		t.Fatalf("expected personas[0].name error, got %v", err)
	}
}

func TestValidate_MissingS2SProvider(t *testing.T) {
	err := config.Validate(&config.Config{})
	if err == nil || !strings.Contains(err.Error(), "providers.s2s.name") {
		t.Fatalf("expected providers.s2s.name error, got %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	yaml := `
server:
  log_level: loud
audio:
  frame_size: -1
personas:
  - name: a
    preset: nope
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "frame_size", "preset"} {
		if !strings.Contains(msg, want) {
			t.Errorf("joined error should mention %q, got: %v", want, msg)
		}
	}
}

func TestValidate_NegativeDurations(t *testing.T) {
	yaml := `
audio:
  output_latency: -50ms
archive:
  write_timeout: -1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for negative durations")
	}
	for _, want := range []string{"audio.output_latency", "archive.write_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	for _, kind := range []string{"s2s", "tts"} {
		names, ok := config.ValidProviderNames[kind]
		if !ok || len(names) == 0 {
			t.Errorf("ValidProviderNames missing kind %q", kind)
		}
	}
}
