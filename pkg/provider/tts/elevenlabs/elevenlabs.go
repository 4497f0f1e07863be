// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// Synthesize opens one input stream per request, sends the whole text
// followed by the flush command and collects PCM chunks until the server
// marks the final one.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecall/pkg/provider/tts"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format. Only the pcm_<rate> family is
// accepted because the playback scheduler consumes raw PCM16.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithDefaultVoice sets the voice ID used when Synthesize is called without one.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voice = voiceID
	}
}

// WithBaseURL overrides the WebSocket origin. Primarily used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	voice        string
	baseURL      string
	sampleRate   int
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	if voice == "" {
		voice = p.voice
	}
	if voice == "" {
		return tts.Speech{}, errors.New("elevenlabs: voice ID must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return tts.Speech{}, errors.New("elevenlabs: text must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice), nil)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(8 << 20)

	// ElevenLabs requires a non-empty first text value.
	boi := boiMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      p.apiKey,
	}
	for _, msg := range []any{boi, textMessage{Text: text}, textMessage{Text: ""}} {
		data, _ := json.Marshal(msg)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return tts.Speech{}, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	speech := tts.Speech{SampleRate: p.sampleRate}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(speech.PCM) > 0 {
				return speech, nil
			}
			return tts.Speech{}, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return tts.Speech{}, fmt.Errorf("elevenlabs: server error: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return tts.Speech{}, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			speech.PCM = append(speech.PCM, pcm...)
		}
		if resp.IsFinal {
			if len(speech.PCM) == 0 {
				return tts.Speech{}, errors.New("elevenlabs: stream ended without audio")
			}
			return speech, nil
		}
	}
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// streamURL constructs the WebSocket URL for a given voice.
func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.baseURL, url.PathEscape(voiceID), q.Encode())
}

// parseOutputFormat extracts the sample rate from a pcm_<rate> format name.
func parseOutputFormat(format string) (int, error) {
	rateStr, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q (want pcm_<rate>)", format)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid sample rate in output format %q", format)
	}
	return rate, nil
}
