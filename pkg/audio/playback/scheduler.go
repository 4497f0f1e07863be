// Package playback schedules streamed model audio for gapless output.
//
// Chunks arrive asynchronously and in arbitrary sizes. The [Scheduler] keeps a
// single cursor, the time at which the next chunk must start, on the output
// clock. Every chunk starts at max(cursor, now) and advances the cursor by its
// duration, so consecutive chunks butt up against each other without gaps or
// overlap, and a cursor that fell behind the clock snaps forward instead of
// letting later audio pile up at "now".
//
// An interrupt stops every unit still pending, empties the pending set and
// rewinds the cursor so the next chunk starts immediately.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSuperseded is returned by [Scheduler.Schedule] when an interrupt happened
// while the chunk was being decoded. The chunk belongs to a response that was
// cut off and is dropped.
var ErrSuperseded = errors.New("playback: chunk superseded by interrupt")

// Clock is the output clock: a monotonically increasing position of the audio
// device, independent of wall-clock time.
type Clock interface {
	Now() time.Duration
}

// Voice is a buffer that has been handed to an [Output].
type Voice interface {
	// Stop silences the voice immediately, even mid-buffer. It does not invoke
	// the voice's ended callback.
	Stop()
}

// Output is an audio graph that plays buffers at absolute clock positions.
// Start must not invoke onEnded synchronously; onEnded runs once when the
// buffer finished playing naturally.
type Output interface {
	Clock
	Start(buf Buffer, at time.Duration, onEnded func()) Voice
}

// Unit is one scheduled buffer.
type Unit struct {
	Start    time.Duration
	Duration time.Duration

	voice Voice
}

// End is the clock position at which the unit finishes.
func (u *Unit) End() time.Duration { return u.Start + u.Duration }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithDecoder replaces the default PCM decoder.
func WithDecoder(d Decoder) Option {
	return func(s *Scheduler) { s.decode = d }
}

// WithLogger sets the logger used for dropped chunk warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler places decoded chunks back to back on an [Output]. The cursor and
// the pending set are only written by Scheduler methods; all methods are safe
// for concurrent use. Chunks take their place on the timeline in the order
// Schedule and ScheduleBuffer were called, whatever their decode latency.
type Scheduler struct {
	out    Output
	decode Decoder
	log    *slog.Logger

	mu        sync.Mutex
	turn      *sync.Cond
	nextStart time.Duration
	epoch     uint64
	pending   map[*Unit]struct{}

	// issued is the next arrival ticket; served is the ticket whose turn it
	// is to take the cursor.
	issued uint64
	served uint64
}

// NewScheduler returns a Scheduler for out. Chunks are decoded as base64
// PCM16, assuming 24 kHz when the MIME type names no rate.
func NewScheduler(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:     out,
		decode:  PCMDecoder(24000),
		log:     slog.Default(),
		pending: make(map[*Unit]struct{}),
	}
	s.turn = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule decodes chunk and places it on the output. A chunk that fails to
// decode is dropped with a warning and a [*DecodeError]; the cursor is not
// touched. If [Scheduler.Interrupt] ran while the chunk was decoding,
// [ErrSuperseded] is returned and nothing is scheduled.
func (s *Scheduler) Schedule(chunk Chunk) (*Unit, error) {
	s.mu.Lock()
	ticket := s.ticketLocked()
	epoch := s.epoch
	s.mu.Unlock()

	buf, err := s.decode(chunk)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitTurnLocked(ticket)
	defer s.endTurnLocked()

	if err != nil {
		s.log.Warn("playback: dropping undecodable chunk", "mime_type", chunk.MIMEType, "size", len(chunk.Data), "err", err)
		return nil, err
	}
	if epoch != s.epoch {
		return nil, ErrSuperseded
	}
	return s.scheduleLocked(buf), nil
}

// ScheduleBuffer places an already decoded buffer on the output using the
// same cursor as [Scheduler.Schedule]. It waits for chunks that arrived
// earlier and are still decoding.
func (s *Scheduler) ScheduleBuffer(buf Buffer) *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitTurnLocked(s.ticketLocked())
	defer s.endTurnLocked()
	return s.scheduleLocked(buf)
}

func (s *Scheduler) ticketLocked() uint64 {
	t := s.issued
	s.issued++
	return t
}

func (s *Scheduler) awaitTurnLocked(ticket uint64) {
	for s.served != ticket {
		s.turn.Wait()
	}
}

// endTurnLocked passes the cursor to the next ticket. Every ticket ends its
// turn, including chunks that failed to decode or were superseded.
func (s *Scheduler) endTurnLocked() {
	s.served++
	s.turn.Broadcast()
}

func (s *Scheduler) scheduleLocked(buf Buffer) *Unit {
	startAt := max(s.nextStart, s.out.Now())
	u := &Unit{Start: startAt, Duration: buf.Duration()}
	s.nextStart = startAt + u.Duration
	s.pending[u] = struct{}{}
	u.voice = s.out.Start(buf, startAt, func() { s.finished(u) })
	return u
}

// finished removes a unit that played to its natural end.
func (s *Scheduler) finished(u *Unit) {
	s.mu.Lock()
	delete(s.pending, u)
	s.mu.Unlock()
}

// Interrupt stops every pending unit, clears the pending set and rewinds the
// cursor so that the next chunk starts at the current clock position. Chunks
// still decoding are superseded. It returns the number of units stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	units := make([]*Unit, 0, len(s.pending))
	for u := range s.pending {
		units = append(units, u)
	}
	clear(s.pending)
	s.nextStart = 0
	s.epoch++
	s.mu.Unlock()

	for _, u := range units {
		u.voice.Stop()
	}
	return len(units)
}

// NextStart reports the cursor: the earliest start of the next chunk.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Pending reports how many scheduled units have not finished yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Lead reports how far the cursor is ahead of the output clock, i.e. how much
// audio is queued. It is never negative.
func (s *Scheduler) Lead() time.Duration {
	s.mu.Lock()
	next := s.nextStart
	s.mu.Unlock()
	return max(next-s.out.Now(), 0)
}

// Reset drops all scheduled audio. It is [Scheduler.Interrupt] for teardown,
// where the number of stopped units is of no interest.
func (s *Scheduler) Reset() { s.Interrupt() }
