// Package trustledger implements the append-only, hash-chained audit ledger.
//
// Every entry records the SHA-256 of its predecessor; the first entry chains
// from GenesisHash (64 hex zeros). Sequence numbers start at 0 and are
// assigned inside a single critical section together with the hash link, so
// concurrent appends can never observe the same tail.
//
// The Ledger owns the sequence counter and delegates physical persistence to
// a Store. Four Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - FileStore: append-only JSON-lines file.
//   - SQLiteStore: embedded SQL database.
//   - PostgresStore: durable, multi-instance production storage.
package trustledger
