// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is sent as base64-encoded PCM media chunks; model audio,
// transcriptions and turn signals come back as serverContent messages and are
// surfaced unchanged as [s2s.Message] values.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("gemini: session closed")

// ServerError is an error frame sent by the Gemini Live endpoint.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: server error %d (%s): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("gemini: server error %d: %s", e.Code, msg)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
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

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:  audio.InputSampleRate,
		OutputSampleRate: audio.OutputSampleRate,
		Voices:           []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
	}
}

// Connect dials the Gemini Live endpoint, sends the setup message and waits
// for setupComplete. ctx bounds the whole handshake; the session itself lives
// until Close or until the server ends it.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		messages: make(chan s2s.Message, 64),
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.handshake(ctx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *ServerError     `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// toMessage flattens serverContent into an s2s.Message. Audio parts are kept
// base64-encoded.
func (sc *serverContent) toMessage() s2s.Message {
	var m s2s.Message
	if sc.InputTranscription != nil {
		m.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscript = sc.OutputTranscription.Text
	}
	m.TurnComplete = sc.TurnComplete
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				m.Audio = append(m.Audio, s2s.InlineAudio{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				})
			}
		}
	}
	m.Interrupted = sc.Interrupted
	return m
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	messages chan s2s.Message

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// handshake sends the setup message and blocks until the server acknowledges
// it with setupComplete.
func (s *session) handshake(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	if err := s.writeJSON(ctx, newSetup(model, cfg)); err != nil {
		return err
	}
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func newSetup(model string, cfg s2s.SessionConfig) setupMessage {
	modalities := make([]string, 0, len(cfg.Modalities))
	for _, m := range cfg.Modalities {
		modalities = append(modalities, string(m))
	}
	if len(modalities) == 0 {
		modalities = []string{string(s2s.ModalityAudio)}
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns messages and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Local Close or a normal remote close ends the session cleanly.
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		if msg.Error != nil {
			s.setErr(msg.Error)
			s.conn.Close(websocket.StatusNormalClosure, "server error")
			return
		}
		if msg.ServerContent == nil {
			continue
		}
		m := msg.ServerContent.toMessage()
		if m.Empty() {
			continue
		}
		select {
		case s.messages <- m:
		case <-s.ctx.Done():
			return
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
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

// SendAudio delivers one PCM envelope to the model as a realtime media chunk.
func (s *session) SendAudio(ctx context.Context, blob audio.Blob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: blob.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(blob.Data),
			}},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
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

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
