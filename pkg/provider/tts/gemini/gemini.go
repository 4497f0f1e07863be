// Package gemini implements tts.Provider on top of the Gemini speech
// generation models using the google.golang.org/genai client.
//
// Each Synthesize call is a single generateContent request with the AUDIO
// response modality and a prebuilt voice. The model answers with inline
// PCM16 audio whose sample rate is carried in the part's MIME type.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/provider/tts"
)

const (
	defaultModel = "gemini-2.5-flash-preview-tts"
	defaultVoice = "Kore"
)

// ErrNoAudio is returned when the model response carries no inline audio.
var ErrNoAudio = errors.New("gemini tts: response contained no audio")

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the speech generation model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithDefaultVoice sets the prebuilt voice used when Synthesize is called
// without one.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithBaseURL overrides the API endpoint. Primarily used in tests to point at
// a local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// Provider synthesises speech with a Gemini TTS model.
type Provider struct {
	model   string
	voice   string
	baseURL string
	client  *genai.Client
}

// New creates a Provider authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini tts: apiKey must not be empty")
	}
	p := &Provider{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(p)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: new client: %w", err)
	}
	p.client = client
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	if text == "" {
		return tts.Speech{}, errors.New("gemini tts: text must not be empty")
	}
	if voice == "" {
		voice = p.voice
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(text), speechConfig(voice))
	if err != nil {
		return tts.Speech{}, fmt.Errorf("gemini tts: generate: %w", err)
	}
	return speechFromResponse(resp)
}

func speechConfig(voice string) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
}

// speechFromResponse concatenates every inline audio part of the first
// candidate. Parts with a non-PCM MIME type are skipped.
func speechFromResponse(resp *genai.GenerateContentResponse) (tts.Speech, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return tts.Speech{}, ErrNoAudio
	}
	var speech tts.Speech
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		rate, ok := audio.ParsePCMMIMEType(part.InlineData.MIMEType)
		if !ok {
			continue
		}
		if rate == 0 {
			rate = audio.OutputSampleRate
		}
		if speech.SampleRate != 0 && speech.SampleRate != rate {
			return tts.Speech{}, fmt.Errorf("gemini tts: mixed sample rates %d and %d", speech.SampleRate, rate)
		}
		speech.SampleRate = rate
		speech.PCM = append(speech.PCM, part.InlineData.Data...)
	}
	if len(speech.PCM) == 0 {
		return tts.Speech{}, ErrNoAudio
	}
	return speech, nil
}
