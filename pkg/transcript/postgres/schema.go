// Package postgres provides a PostgreSQL-backed transcript archive.
//
// Every finished transcript entry of a call is stored as one row of the
// call_transcripts table keyed by the call's session ID. [Migrate] creates the
// table and its indexes and is safe to run on every start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Append(ctx, sessionID, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCallTranscripts = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    speaker     TEXT         NOT NULL CHECK (speaker IN ('user', 'model')),
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_session_timestamp
    ON call_transcripts (session_id, timestamp, id);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_fts
    ON call_transcripts USING GIN (to_tsvector('english', text));
`

// Migrate creates or ensures the call_transcripts table and its indexes. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCallTranscripts); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
