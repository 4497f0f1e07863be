// Package mock provides an in-memory test double for transcript.Store.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecall/pkg/transcript"
)

// AppendCall records a single invocation of Append.
type AppendCall struct {
	SessionID string
	Entry     transcript.Entry
}

// Store is a mock implementation of transcript.Store that keeps entries in
// memory.
type Store struct {
	mu sync.Mutex

	// AppendErr, if non-nil, is returned by Append and nothing is stored.
	AppendErr error

	// SessionErr, if non-nil, is returned by Session.
	SessionErr error

	// AppendCalls records every call to Append in order.
	AppendCalls []AppendCall

	entries map[string][]transcript.Entry
}

// Append implements transcript.Store.
func (s *Store) Append(_ context.Context, sessionID string, entry transcript.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendCalls = append(s.AppendCalls, AppendCall{SessionID: sessionID, Entry: entry})
	if s.AppendErr != nil {
		return s.AppendErr
	}
	if s.entries == nil {
		s.entries = make(map[string][]transcript.Entry)
	}
	s.entries[sessionID] = append(s.entries[sessionID], entry)
	return nil
}

// Session implements transcript.Store.
func (s *Store) Session(_ context.Context, sessionID string) ([]transcript.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SessionErr != nil {
		return nil, s.SessionErr
	}
	out := make([]transcript.Entry, len(s.entries[sessionID]))
	copy(out, s.entries[sessionID])
	return out, nil
}

// CallCount reports how many times Append was called.
func (s *Store) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.AppendCalls)
}

// SetAppendErr changes AppendErr while the store is in use.
func (s *Store) SetAppendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendErr = err
}

// Ensure Store implements transcript.Store at compile time.
var _ transcript.Store = (*Store)(nil)
