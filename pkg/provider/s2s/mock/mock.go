// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to script the server side of a call and inspect the audio the
// client sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Emit(s2s.Message{OutputTranscript: "Hi", TurnComplete: true})
//	sess.Fail(errors.New("socket reset"))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
)

// ErrClosed is returned by Session.SendAudio after the session ended.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session, if non-nil, is returned by every Connect. Otherwise each
	// Connect returns a fresh *Session.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until a value is received or the
	// channel is closed, or until ctx is done. It lets tests observe the
	// connecting state.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns a session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount reports how many times Connect was called.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recent session created by Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.sessions = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Tests play the server
// with Emit, Fail and EndRemote.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SentAudio records a copy of every envelope passed to SendAudio.
	SentAudio []audio.Blob

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	messages chan s2s.Message
	ended    bool
	err      error
}

// NewSession returns a Session with a buffered message channel.
func NewSession() *Session {
	return &Session{messages: make(chan s2s.Message, 64)}
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

// SendAudio records the envelope.
func (s *Session) SendAudio(_ context.Context, blob audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.SentAudio = append(s.SentAudio, audio.Blob{
		Data:     append([]byte(nil), blob.Data...),
		MIMEType: blob.MIMEType,
	})
	return nil
}

// SentCount reports how many envelopes were recorded.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// Messages implements s2s.SessionHandle.
func (s *Session) Messages() <-chan s2s.Message { return s.messages }

// Err implements s2s.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit delivers msg as if the server had sent it. It reports false if the
// session already ended.
func (s *Session) Emit(msg s2s.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.messages <- msg
	return true
}

// Fail ends the session with a transport error.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.ended = true
	close(s.messages)
}

// EndRemote ends the session as a normal remote close.
func (s *Session) EndRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.messages)
}

// Close implements s2s.SessionHandle. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.ended {
		s.ended = true
		close(s.messages)
	}
	return nil
}

// Closed reports whether the session has ended for any reason.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
