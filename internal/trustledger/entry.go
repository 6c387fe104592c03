package trustledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the prev_hash of the entry at sequence 0. It serves as the
// trust anchor of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// LogEntry is a single immutable record in the ledger.
type LogEntry struct {
	EntryID        string          `json:"entry_id"`
	Sequence       int64           `json:"sequence_number"`
	PrevHash       string          `json:"prev_hash"`
	Hash           string          `json:"hash"`
	Timestamp      time.Time       `json:"timestamp"`
	EventType      string          `json:"event_type"`
	Actor          string          `json:"actor"`
	Resource       string          `json:"resource"`
	Payload        json.RawMessage `json:"payload"` // canonical JSON
	TrustScore     *float64        `json:"trust_score,omitempty"`
	GovernanceTier string          `json:"governance_tier,omitempty"`
}

// AppendRequest is the caller-supplied content of a new entry.
type AppendRequest struct {
	EventType      string
	Actor          string
	Resource       string
	Payload        any
	TrustScore     *float64
	GovernanceTier string
}

// clone returns a deep copy so callers can never mutate stored state.
func (e *LogEntry) clone() *LogEntry {
	cp := *e
	cp.Payload = append(json.RawMessage(nil), e.Payload...)
	if e.TrustScore != nil {
		ts := *e.TrustScore
		cp.TrustScore = &ts
	}
	return &cp
}

// hashEntry computes the deterministic SHA-256 of an entry's chained fields.
// String fields are quoted so that no two distinct tuples share an encoding.
func hashEntry(e *LogEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%q|%d|%s|%q|%q|%q|%q",
		e.PrevHash, e.Sequence, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.EventType, e.Actor, e.Resource, e.Payload,
	)
	return hex.EncodeToString(h.Sum(nil))
}
