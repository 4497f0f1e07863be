package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livecall/pkg/provider/s2s"
	"github.com/MrWong99/livecall/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	s2s map[string]func(ProviderEntry) (s2s.Provider, error)
	tts map[string]func(ProviderEntry) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s: make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Provider, error)),
	}
}

// RegisterS2S registers a live session provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateS2S instantiates a live session provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered provider names of kind ("s2s" or "tts"),
// sorted.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "s2s":
		for name := range r.s2s {
			names = append(names, name)
		}
	case "tts":
		for name := range r.tts {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
