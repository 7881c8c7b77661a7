// Package store provides the SQLite-backed revision store used on both ends of
// a replication.
//
// The store keeps:
//   - Revisions: every revision seen for a document, immutable, keyed by the
//     content-addressed revision id
//   - Documents: the current leaf of each document and the local commit
//     sequence that produced it
//   - Conflicts: remote branches that are waiting for resolution
//   - Remote revisions: the newest revision of each document known to be on a
//     given remote endpoint (drives the pending-document set)
//
// # Idempotency
//
// Revisions are inserted with ON CONFLICT DO NOTHING and leaves move through a
// compare-and-swap on the expected parent, so applying the same revision twice
// leaves the store unchanged.
//
// # Sequences
//
// Every commit that moves a leaf takes the next value of a store-wide counter.
// A document only keeps its latest sequence, so feeds read from this store
// are monotonic but may skip numbers.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - _txlock=immediate: write transactions take the write lock up front, so
//     read-modify-write on a document is serialized across the pool
package store
