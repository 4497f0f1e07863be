package config

import "github.com/MrWong99/livecall/pkg/provider/s2s"

// Presets are the built-in personas. A persona that names a preset inherits
// every field it leaves empty. Lookup is by [PersonaConfig.Preset].
var Presets = map[string]PersonaConfig{
	"call-center": {
		Name:  "vanessa",
		Voice: "Aoede",
		Instructions: `You are Vanessa Santiago, a warm and confident product presenter on an outbound call.
Introduce yourself, explain what the product does and why it helps, and answer questions honestly.
Speak in short, natural sentences as you would on the phone. Ask one question at a time and
listen before continuing. If you do not know an answer, say so and offer to follow up.`,
		Modalities: []s2s.Modality{s2s.ModalityAudio},
	},
	"tutor": {
		Name:         "tutor",
		Instructions: "You are a friendly and helpful tutor. Keep your answers conversational and encouraging.",
		Modalities:   []s2s.Modality{s2s.ModalityAudio},
	},
}

// applyPreset returns p with every empty field filled from its preset.
// ok is false when p names an unknown preset.
func applyPreset(p PersonaConfig) (PersonaConfig, bool) {
	if p.Preset == "" {
		return p, true
	}
	base, ok := Presets[p.Preset]
	if !ok {
		return p, false
	}
	if p.Name == "" {
		p.Name = base.Name
	}
	if p.Voice == "" {
		p.Voice = base.Voice
	}
	if p.Instructions == "" {
		p.Instructions = base.Instructions
	}
	if len(p.Modalities) == 0 {
		p.Modalities = append([]s2s.Modality(nil), base.Modalities...)
	}
	if p.InputTranscription == nil {
		p.InputTranscription = base.InputTranscription
	}
	if p.OutputTranscription == nil {
		p.OutputTranscription = base.OutputTranscription
	}
	return p, true
}
