package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without restarting are tracked; provider,
// audio and archive changes need a restart and are only flagged.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanges lists added, removed and modified personas. Changes to
	// the persona of a live call take effect on its next Start.
	PersonaChanges []PersonaDiff

	// RestartRequired is set when providers, audio or the archive changed.
	RestartRequired bool
}

// PersonaDiff describes what changed for a single persona between two configs.
type PersonaDiff struct {
	Name                string
	VoiceChanged        bool
	InstructionsChanged bool
	SessionChanged      bool // modalities or transcription flags
	Added               bool
	Removed             bool
}

// Changed reports whether the diff carries anything to apply.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.PersonaChanges) > 0 || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !sameProvider(old.Providers.S2S, new.Providers.S2S) ||
		!sameProvider(old.Providers.TTS, new.Providers.TTS) ||
		old.Audio != new.Audio ||
		old.Archive != new.Archive ||
		old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}

	oldPersonas := make(map[string]*PersonaConfig, len(old.Personas))
	for i := range old.Personas {
		oldPersonas[old.Personas[i].Name] = &old.Personas[i]
	}
	newPersonas := make(map[string]*PersonaConfig, len(new.Personas))
	for i := range new.Personas {
		newPersonas[new.Personas[i].Name] = &new.Personas[i]
	}

	// Walk in config order so the result is deterministic.
	for _, p := range old.Personas {
		np, exists := newPersonas[p.Name]
		if !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Name: p.Name, Removed: true})
			continue
		}
		pd := diffPersona(&p, np)
		if pd.VoiceChanged || pd.InstructionsChanged || pd.SessionChanged {
			d.PersonaChanges = append(d.PersonaChanges, pd)
		}
	}
	for _, p := range new.Personas {
		if _, exists := oldPersonas[p.Name]; !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Name: p.Name, Added: true})
		}
	}

	return d
}

func diffPersona(old, new *PersonaConfig) PersonaDiff {
	a, b := old.SessionConfig(), new.SessionConfig()
	return PersonaDiff{
		Name:                old.Name,
		VoiceChanged:        a.Voice != b.Voice,
		InstructionsChanged: a.Instructions != b.Instructions,
		SessionChanged: !slices.Equal(a.Modalities, b.Modalities) ||
			a.InputTranscription != b.InputTranscription ||
			a.OutputTranscription != b.OutputTranscription,
	}
}

func sameProvider(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || w != v {
			return false
		}
	}
	return true
}
