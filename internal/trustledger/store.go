package trustledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSequenceConflict is returned by a Store when the entry does not
	// extend the durable tail, e.g. because another writer advanced it.
	ErrSequenceConflict = errors.New("ledger sequence conflict")

	// ErrNotFound is returned when no entry has the requested sequence.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrInvalidTrustScore is returned for a trust score outside [0,1].
	ErrInvalidTrustScore = errors.New("trust score must be within [0,1]")

	// ErrEventTypeRequired is returned by Append for an empty event type.
	ErrEventTypeRequired = errors.New("event type is required")
)

// Store is the physical persistence contract used by the Ledger. Stores
// never assign sequence numbers or hashes; they only accept entries that
// extend their current tail and serve them back in sequence order.
type Store interface {
	// Append durably writes e, or nothing at all. It returns
	// ErrSequenceConflict when e.Sequence or e.PrevHash does not extend
	// the stored tail.
	Append(ctx context.Context, e *LogEntry) error

	// Tail returns the entry with the highest sequence, or nil when empty.
	Tail(ctx context.Context) (*LogEntry, error)

	// Range returns up to limit entries with Sequence >= from, ascending.
	Range(ctx context.Context, from int64, limit int) ([]*LogEntry, error)

	// Get returns the entry with the given sequence or ErrNotFound.
	Get(ctx context.Context, seq int64) (*LogEntry, error)
}

// RangeError reports invalid bounds passed to a ledger query.
type RangeError struct {
	Start int64
	End   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid ledger range [%d, %d]", e.Start, e.End)
}

// AppendFailure is returned when an append could not be made durable after
// exhausting its retries. No entry was published.
type AppendFailure struct {
	Attempts int
	Err      error
}

func (e *AppendFailure) Error() string {
	return fmt.Sprintf("ledger append failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AppendFailure) Unwrap() error { return e.Err }

// extends reports whether e may follow tail (nil for an empty store).
func extends(tail, e *LogEntry) bool {
	if tail == nil {
		return e.Sequence == 0 && e.PrevHash == GenesisHash
	}
	return e.Sequence == tail.Sequence+1 && e.PrevHash == tail.Hash
}
