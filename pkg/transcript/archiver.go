package transcript

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// record is one queued write.
type record struct {
	sessionID string
	entry     Entry
}

// Archiver writes finished entries to a [Store] in the background so that a
// slow or failing archive never stalls the call. Failed writes are logged and
// dropped; the archiver is marked degraded until the next successful write.
//
// All methods are safe for concurrent use.
type Archiver struct {
	store        Store
	log          *slog.Logger
	writeTimeout time.Duration

	queue    chan record
	degraded atomic.Bool
	written  atomic.Int64
	dropped  atomic.Int64

	mu       sync.Mutex
	stopped  bool
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// ArchiverOption configures an [Archiver].
type ArchiverOption func(*Archiver)

// WithQueueSize sets how many entries may wait for the store. Entries recorded
// while the queue is full are dropped.
func WithQueueSize(n int) ArchiverOption {
	return func(a *Archiver) {
		if n > 0 {
			a.queue = make(chan record, n)
		}
	}
}

// WithWriteTimeout bounds each Append call.
func WithWriteTimeout(d time.Duration) ArchiverOption {
	return func(a *Archiver) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// WithArchiverLogger sets the logger used for write failures.
func WithArchiverLogger(l *slog.Logger) ArchiverOption {
	return func(a *Archiver) {
		if l != nil {
			a.log = l
		}
	}
}

// NewArchiver creates an Archiver writing to store. Call [Archiver.Start] to
// begin writing.
func NewArchiver(store Store, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		store:        store,
		log:          slog.Default(),
		writeTimeout: defaultWriteTimeout,
		queue:        make(chan record, defaultQueueSize),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start launches the background writer. It runs until [Archiver.Stop] is
// called; ctx bounds the individual writes.
func (a *Archiver) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()
	go a.loop(ctx)
}

// Record queues entry for sessionID. It never blocks. It reports false when
// the entry was dropped because the queue is full or the archiver stopped.
func (a *Archiver) Record(sessionID string, entry Entry) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	select {
	case a.queue <- record{sessionID: sessionID, entry: entry}:
		return true
	default:
		a.dropped.Add(1)
		a.log.Warn("transcript archiver: queue full, dropping entry",
			"session_id", sessionID,
			"speaker", entry.Speaker,
		)
		return false
	}
}

// Stop stops accepting entries, writes everything already queued and waits
// for the writer to finish. Safe to call multiple times and before Start.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		started := a.started
		close(a.queue)
		a.mu.Unlock()
		if !started {
			close(a.done)
			return
		}
		<-a.done
	})
}

// IsDegraded reports whether the most recent write failed.
func (a *Archiver) IsDegraded() bool { return a.degraded.Load() }

// Written reports how many entries reached the store.
func (a *Archiver) Written() int64 { return a.written.Load() }

// Dropped reports how many entries were discarded because the queue was full.
func (a *Archiver) Dropped() int64 { return a.dropped.Load() }

func (a *Archiver) loop(ctx context.Context) {
	defer close(a.done)
	for rec := range a.queue {
		a.write(ctx, rec)
	}
}

func (a *Archiver) write(ctx context.Context, rec record) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.writeTimeout)
	defer cancel()
	if err := a.store.Append(wctx, rec.sessionID, rec.entry); err != nil {
		a.degraded.Store(true)
		a.log.Warn("transcript archiver: append failed, dropping entry",
			"session_id", rec.sessionID,
			"speaker", rec.entry.Speaker,
			"error", err,
		)
		return
	}
	a.degraded.Store(false)
	a.written.Add(1)
}
