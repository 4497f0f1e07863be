// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Speech: tts.Speech{PCM: pcm, SampleRate: 24000}}
//	speech, _ := p.Synthesize(ctx, "hello", "Kore")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecall/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the voice passed to Synthesize.
	Voice string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Speech is returned by every Synthesize call.
	Speech tts.Speech

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Speech or SynthesizeErr.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		return tts.Speech{}, p.SynthesizeErr
	}
	return tts.Speech{PCM: append([]byte(nil), p.Speech.PCM...), SampleRate: p.Speech.SampleRate}, nil
}

// CallCount reports how many times Synthesize was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
