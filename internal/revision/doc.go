// Package revision defines the immutable revision model shared by every
// replication component.
//
// A revision is a snapshot of a document body plus its place in the
// document's history. Revision ids are content addressed: the id is a
// SHA-256 over the canonical JSON of the generation, body digest, deleted
// flag and parent ids, so two peers that make the same edit on top of the same
// parent mint the same id without coordinating.
//
// Key constraints:
//   - Body values are restricted to string, int, bool, null, array and object.
//     Floats are rejected because their textual form is not stable across
//     encoders, which would break digest determinism.
//   - All hashing goes through MarshalCanonical (RFC 8785 style) with domain
//     separation, never through encoding/json directly.
//   - This package imports nothing internal.
package revision
