// Package transcript holds the conversation log of a call.
//
// An [Accumulator] collects the incremental transcription fragments streamed
// by the remote model for one turn and turns them into [Entry] values when the
// turn completes. Finished entries can be archived through a [Store].
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	// SpeakerUser is the local participant (microphone input).
	SpeakerUser Speaker = "user"

	// SpeakerModel is the remote model (audio output).
	SpeakerModel Speaker = "model"
)

// String implements fmt.Stringer.
func (s Speaker) String() string { return string(s) }

// Valid reports whether s is one of the known speakers.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerModel
}

// Entry is one finished utterance in the conversation log. Entries are
// immutable once appended.
type Entry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Accumulator buffers the transcription fragments of the current turn.
//
// Fragments are concatenated verbatim. Flush trims both buffers, emits a user
// entry and then a model entry for whichever is non-empty, and clears both
// buffers. The zero value is ready to use and safe for concurrent use.
type Accumulator struct {
	mu     sync.Mutex
	input  strings.Builder
	output strings.Builder
}

// AddInput appends a fragment of the user's transcribed speech.
func (a *Accumulator) AddInput(fragment string) {
	a.mu.Lock()
	a.input.WriteString(fragment)
	a.mu.Unlock()
}

// AddOutput appends a fragment of the model's transcribed speech.
func (a *Accumulator) AddOutput(fragment string) {
	a.mu.Lock()
	a.output.WriteString(fragment)
	a.mu.Unlock()
}

// Pending returns the untrimmed buffered input and output text.
func (a *Accumulator) Pending() (input, output string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input.String(), a.output.String()
}

// Flush completes the turn. It returns zero, one or two entries stamped with
// now, user first. Whitespace-only buffers produce no entry.
func (a *Accumulator) Flush(now time.Time) []Entry {
	a.mu.Lock()
	in := strings.TrimSpace(a.input.String())
	out := strings.TrimSpace(a.output.String())
	a.input.Reset()
	a.output.Reset()
	a.mu.Unlock()

	var entries []Entry
	if in != "" {
		entries = append(entries, Entry{Speaker: SpeakerUser, Text: in, Timestamp: now})
	}
	if out != "" {
		entries = append(entries, Entry{Speaker: SpeakerModel, Text: out, Timestamp: now})
	}
	return entries
}

// Reset discards any buffered fragments.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.input.Reset()
	a.output.Reset()
	a.mu.Unlock()
}
