// Package harness runs replication scenarios between peers and checks the
// outcome.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: fork_merge
//	description: "Concurrent edits converge on one merge"
//	peers: [a, b]
//	collections: [notes]
//	steps:
//	  - op: put
//	    peer: a
//	    doc: A
//	    body: { title: draft }
//	  - op: sync
//	    peer: a
//	    remote: b
//	assertions:
//	  - type: converged
//	    doc: A
//	  - type: leaf_generation
//	    peer: a
//	    doc: A
//	    generation: 1
//
// Steps put and delete edit a peer's store locally. Steps push, pull and
// sync run a one-shot replication from peer (active) against remote
// (passive) in that direction; resolver picks the conflict policy (default,
// local, remote or delete).
//
// # Assertion Types
//
//   - converged: the peers hold the same leaf for doc, or for every
//     document when doc is empty
//   - leaf_generation: peer's leaf of doc has the given generation
//   - deleted: peer's leaf of doc is a tombstone
//   - pending_count: peer has count documents not yet acknowledged by remote
//   - conflict_count: peer holds count unresolved conflict branches
//
// # Deterministic Testing
//
// Each scenario runs against fresh SQLite stores in a temporary directory,
// over in-memory pipes, with a testutil.DeterministicClock stamping
// checkpoints. The trace records generations and bodies rather than
// revision hashes, so golden files stay readable.
package harness
