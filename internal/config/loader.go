package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livecall/pkg/provider/s2s"
)

// Audio defaults.
const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultMeterInterval    = 16 * time.Millisecond
	DefaultArchiveQueueSize = 256
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live", "openai-realtime"},
	"tts": {"gemini", "elevenlabs"},
}

// apiKeyEnv lists the environment variables consulted for a provider's API
// key, in order, when the config leaves it empty.
var apiKeyEnv = map[string][]string{
	"gemini-live":     {"GEMINI_API_KEY", "API_KEY"},
	"gemini":          {"GEMINI_API_KEY", "API_KEY"},
	"openai-realtime": {"OPENAI_API_KEY", "API_KEY"},
	"elevenlabs":      {"ELEVENLABS_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset values in place. getenv resolves API keys left
// empty in the file; pass [os.Getenv] outside of tests. Personas naming a
// known preset are expanded; unknown presets are left for [Validate] to report.
// With no personas configured, the "tutor" preset is used.
func ApplyDefaults(cfg *Config, getenv func(string) string) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = "gemini-live"
	}
	resolveAPIKey(&cfg.Providers.S2S, getenv)
	resolveAPIKey(&cfg.Providers.TTS, getenv)

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = BackendPulse
	}
	if a.InputSampleRate == 0 {
		a.InputSampleRate = DefaultInputSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.FrameSize == 0 {
		a.FrameSize = DefaultFrameSize
	}
	if a.MeterInterval == 0 {
		a.MeterInterval = DefaultMeterInterval
	}

	if cfg.Archive.QueueSize == 0 {
		cfg.Archive.QueueSize = DefaultArchiveQueueSize
	}

	if len(cfg.Personas) == 0 {
		cfg.Personas = []PersonaConfig{{Preset: "tutor"}}
	}
	for i, p := range cfg.Personas {
		if expanded, ok := applyPreset(p); ok {
			cfg.Personas[i] = expanded
		}
	}
}

func resolveAPIKey(e *ProviderEntry, getenv func(string) string) {
	if e.APIKey != "" || e.Name == "" {
		return
	}
	for _, name := range apiKeyEnv[e.Name] {
		if v := getenv(name); v != "" {
			e.APIKey = v
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	if cfg.Providers.S2S.Name != "" && cfg.Providers.S2S.APIKey == "" {
		slog.Warn("providers.s2s.api_key is empty and no key was found in the environment", "provider", cfg.Providers.S2S.Name)
	}

	// Audio
	a := cfg.Audio
	if a.Backend != "" && !a.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: pulse, none", a.Backend))
	}
	if a.InputSampleRate < 0 || a.OutputSampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if a.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", a.FrameSize))
	}
	if a.MeterInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.meter_interval %s must be positive", a.MeterInterval))
	}
	if a.OutputLatency < 0 {
		errs = append(errs, fmt.Errorf("audio.output_latency %s must not be negative", a.OutputLatency))
	}

	// Personas
	seen := make(map[string]int, len(cfg.Personas))
	for i, p := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if p.Preset != "" {
			if _, ok := Presets[p.Preset]; !ok {
				errs = append(errs, fmt.Errorf("%s.preset %q is unknown; valid values: %s", prefix, p.Preset, presetNames()))
			}
		}
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of personas[%d]", prefix, p.Name, prev))
			}
			seen[p.Name] = i
		}
		for _, m := range p.Modalities {
			if m != s2s.ModalityAudio && m != s2s.ModalityText {
				errs = append(errs, fmt.Errorf("%s.modalities: %q is invalid; valid values: AUDIO, TEXT", prefix, m))
			}
		}
		if len(p.Modalities) > 0 && !slices.Contains(p.Modalities, s2s.ModalityAudio) {
			slog.Warn("persona does not request audio responses; the call will be silent", "persona", p.Name)
		}
	}

	// Archive
	if cfg.Archive.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("archive.queue_size %d must be positive", cfg.Archive.QueueSize))
	}
	if cfg.Archive.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("archive.write_timeout %s must not be negative", cfg.Archive.WriteTimeout))
	}

	return errors.Join(errs...)
}

// Persona returns the persona called name. An empty name selects the first
// configured persona.
func (c *Config) Persona(name string) (PersonaConfig, error) {
	if len(c.Personas) == 0 {
		return PersonaConfig{}, errors.New("config: no personas configured")
	}
	if name == "" {
		return c.Personas[0], nil
	}
	for _, p := range c.Personas {
		if p.Name == name {
			return p, nil
		}
	}
	return PersonaConfig{}, fmt.Errorf("config: persona %q not found", name)
}

func presetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
