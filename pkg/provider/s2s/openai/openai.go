// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The 16 kHz microphone audio is resampled to the 24 kHz PCM16 the API expects
// and appended to the input buffer; server events are folded into
// [s2s.Message] values with the same meaning the Gemini transport produces.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// apiSampleRate is the only PCM16 rate the Realtime API accepts.
	apiSampleRate = 24000
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("openai: session closed")

// ServerError is the payload of an OpenAI Realtime "error" event.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s): %s", e.Type, e.Code, msg)
	}
	return fmt.Sprintf("openai: %s: %s", e.Type, msg)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:  apiSampleRate,
		OutputSampleRate: apiSampleRate,
		Voices:           []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint, configures the session and waits for
// the server's session.updated acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		messages: make(chan s2s.Message, 64),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.handshake(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *ServerError `json:"error,omitempty"`
}

// toMessage maps one server event to a message. ok is false for events that
// carry nothing the call cares about.
func (evt *serverEvent) toMessage() (m s2s.Message, ok bool) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return m, false
		}
		m.Audio = []s2s.InlineAudio{{MIMEType: audio.PCMMIMEType(apiSampleRate), Data: evt.Delta}}
	case "response.audio_transcript.delta", "response.text.delta":
		m.OutputTranscript = evt.Delta
	case "conversation.item.input_audio_transcription.completed":
		m.InputTranscript = evt.Transcript
	case "response.done":
		m.TurnComplete = true
	case "input_audio_buffer.speech_started":
		m.Interrupted = true
	default:
		return m, false
	}
	return m, !m.Empty()
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	messages chan s2s.Message

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Modalities:        []string{"text", "audio"},
	}
	if len(cfg.Modalities) > 0 {
		params.Modalities = []string{"text"}
		for _, m := range cfg.Modalities {
			if m == s2s.ModalityAudio {
				params.Modalities = []string{"text", "audio"}
			}
		}
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputAudioTranscription{Model: "whisper-1"}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// handshake sends session.update and waits for session.updated.
func (s *session) handshake(ctx context.Context, cfg s2s.SessionConfig) error {
	if err := s.writeJSON(ctx, newSessionUpdate(cfg)); err != nil {
		return err
	}
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return serverError(&evt)
		}
	}
}

func serverError(evt *serverEvent) error {
	if evt.Error == nil {
		return &ServerError{Type: "error"}
	}
	return evt.Error
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns messages and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if evt.Type == "error" {
			s.setErr(serverError(&evt))
			s.conn.Close(websocket.StatusNormalClosure, "server error")
			return
		}
		m, ok := evt.toMessage()
		if !ok {
			continue
		}
		select {
		case s.messages <- m:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends one PCM envelope to the server's input buffer, resampling
// it to 24 kHz first when the envelope advertises another rate.
func (s *session) SendAudio(ctx context.Context, blob audio.Blob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	pcm := blob.Data
	if rate, ok := audio.ParsePCMMIMEType(blob.MIMEType); ok && rate != 0 && rate != apiSampleRate {
		pcm = audio.ResampleMono16(pcm, rate, apiSampleRate)
	}
	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Messages returns the channel of server messages.
func (s *session) Messages() <-chan s2s.Message { return s.messages }

// Err returns the first transport error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
