package transcript

import "context"

// Store persists finished transcript entries per call session.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds entry to the log of sessionID.
	Append(ctx context.Context, sessionID string, entry Entry) error

	// Session returns every entry of sessionID in chronological order. An
	// unknown session yields an empty, non-nil slice.
	Session(ctx context.Context, sessionID string) ([]Entry, error)
}
