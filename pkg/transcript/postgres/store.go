package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livecall/pkg/transcript"
)

var _ transcript.Store = (*Store)(nil)

// Store is the PostgreSQL transcript archive. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements [transcript.Store].
func (s *Store) Append(ctx context.Context, sessionID string, entry transcript.Entry) error {
	if sessionID == "" {
		return errors.New("transcript store: session id must not be empty")
	}
	if !entry.Speaker.Valid() {
		return fmt.Errorf("transcript store: invalid speaker %q", entry.Speaker)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	const q = `
		INSERT INTO call_transcripts (session_id, speaker, text, timestamp)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, sessionID, string(entry.Speaker), entry.Text, ts); err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// Session implements [transcript.Store].
func (s *Store) Session(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	const q = `
		SELECT speaker, text, timestamp
		FROM   call_transcripts
		WHERE  session_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: session: %w", err)
	}
	return collectEntries(rows)
}

// SearchOpts narrows a full-text [Store.Search].
type SearchOpts struct {
	// SessionID restricts results to one call when non-empty.
	SessionID string

	// Speaker restricts results to one side of the conversation when non-empty.
	Speaker transcript.Speaker

	// Limit caps the number of results when positive.
	Limit int
}

// Search performs a PostgreSQL full-text search over archived entries. The
// query is passed to plainto_tsquery so no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]transcript.Entry, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Speaker != "" {
		conditions = append(conditions, "speaker = "+next(string(opts.Speaker)))
	}

	q := "SELECT speaker, text, timestamp\n" +
		"FROM   call_transcripts\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: search: %w", err)
	}
	return collectEntries(rows)
}

// Ping verifies the database is reachable. It is used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func collectEntries(rows pgx.Rows) ([]transcript.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e       transcript.Entry
			speaker string
		)
		if err := row.Scan(&speaker, &e.Text, &e.Timestamp); err != nil {
			return transcript.Entry{}, err
		}
		e.Speaker = transcript.Speaker(speaker)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}
