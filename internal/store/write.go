package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/docsync/internal/revision"
)

// Ref names one revision of one document.
type Ref struct {
	DocID string `json:"doc_id"`
	RevID string `json:"rev_id"`
}

// Write is one entry of an ApplyBatch call.
type Write struct {
	// Rev is the revision to store. Unless Branch is set it becomes the
	// document's new leaf.
	Rev revision.Revision

	// ExpectedParent is the leaf the document must currently have for the
	// write to land. Empty means the document must not exist yet.
	ExpectedParent string

	// History holds ancestors of Rev. They are stored as non-leaf rows so
	// later ancestry walks can reach them.
	History []revision.Revision

	// Branch records Rev as an unresolved conflict branch and leaves the
	// leaf untouched.
	Branch bool

	// Fallback is recorded as a conflict branch when the compare-and-swap
	// on ExpectedParent fails.
	Fallback *revision.Revision

	// Resolves lists conflict branch revision ids cleared by this write.
	Resolves []string

	// KnownRemote, when set, is recorded as the revision the remote holds
	// for this document.
	KnownRemote string
}

// WriteResult reports the outcome of one Write.
type WriteResult struct {
	DocID   string
	RevID   string
	Applied bool  // the leaf moved to RevID
	Branch  bool  // a conflict branch was recorded
	Seq     int64 // commit sequence when Applied
	Err     error // per-document failure; the rest of the batch still commits
}

// SaveDocument writes body as a new child of the document's current leaf.
// A missing document starts a new history at generation 1.
func (s *Store) SaveDocument(ctx context.Context, collection, docID string, body revision.Object) (revision.Revision, error) {
	return s.saveLocal(ctx, collection, docID, body, false)
}

// DeleteDocument writes a tombstone on top of the current leaf.
// Returns ErrNotFound if the document does not exist or is already deleted.
func (s *Store) DeleteDocument(ctx context.Context, collection, docID string) (revision.Revision, error) {
	return s.saveLocal(ctx, collection, docID, nil, true)
}

func (s *Store) saveLocal(ctx context.Context, collection, docID string, body revision.Object, deleted bool) (revision.Revision, error) {
	op := "save document"
	if deleted {
		op = "delete document"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return revision.Revision{}, fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback() // No-op if committed

	var parent *revision.Revision
	leaf, err := leafRevision(ctx, tx, collection, docID)
	switch {
	case err == nil:
		parent = &leaf
	case errors.Is(err, ErrNotFound):
	default:
		return revision.Revision{}, fmt.Errorf("%s: %w", op, err)
	}

	if deleted && (parent == nil || parent.Deleted) {
		return revision.Revision{}, fmt.Errorf("%s %s/%s: %w", op, collection, docID, ErrNotFound)
	}

	rev, err := revision.New(docID, parent, body, deleted)
	if err != nil {
		return revision.Revision{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := insertRevision(ctx, tx, collection, rev); err != nil {
		return revision.Revision{}, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := moveLeaf(ctx, tx, collection, rev); err != nil {
		return revision.Revision{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return revision.Revision{}, fmt.Errorf("%s: commit: %w", op, err)
	}
	s.notifier.notify()
	return rev, nil
}

// Put stores rev as the document's new leaf if its current leaf is
// expectedParent. Re-applying the current leaf is a no-op.
// Returns a *ConflictError (matching ErrConflict) when the leaf has moved.
func (s *Store) Put(ctx context.Context, collection string, rev revision.Revision, expectedParent string) (WriteResult, error) {
	results, err := s.ApplyBatch(ctx, collection, "", []Write{{Rev: rev, ExpectedParent: expectedParent}})
	if err != nil {
		return WriteResult{}, err
	}
	return results[0], results[0].Err
}

// ApplyBatch applies writes in one transaction. Per-document failures such as
// a failed compare-and-swap are reported in the matching WriteResult; only
// storage errors abort the batch.
//
// remote names the endpoint the writes came from; it scopes KnownRemote.
func (s *Store) ApplyBatch(ctx context.Context, collection, remote string, writes []Write) ([]WriteResult, error) {
	if len(writes) == 0 {
		return []WriteResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("apply batch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	results := make([]WriteResult, len(writes))
	changed := false
	for i, w := range writes {
		res, err := applyWrite(ctx, tx, collection, remote, w)
		if err != nil {
			return nil, fmt.Errorf("apply batch: %s: %w", w.Rev.DocID, err)
		}
		results[i] = res
		if res.Applied || res.Branch {
			changed = true
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("apply batch: commit: %w", err)
	}
	if changed {
		s.notifier.notify()
	}
	return results, nil
}

// applyWrite returns a non-nil error only for storage failures.
func applyWrite(ctx context.Context, tx *sql.Tx, collection, remote string, w Write) (WriteResult, error) {
	res := WriteResult{DocID: w.Rev.DocID, RevID: w.Rev.ID}

	if err := verifyWrite(w); err != nil {
		res.Err = err
		return res, nil
	}

	for _, h := range w.History {
		if err := insertRevision(ctx, tx, collection, h); err != nil {
			return res, err
		}
	}

	if w.Branch {
		if err := recordBranch(ctx, tx, collection, w.Rev); err != nil {
			return res, err
		}
		res.Branch = true
		return res, markKnownRemote(ctx, tx, remote, collection, w)
	}

	leafID, err := leafID(ctx, tx, collection, w.Rev.DocID)
	if err != nil {
		return res, err
	}

	if leafID == w.Rev.ID {
		if err := clearBranches(ctx, tx, collection, w.Rev.DocID, w.Resolves); err != nil {
			return res, err
		}
		return res, markKnownRemote(ctx, tx, remote, collection, w)
	}

	if leafID != w.ExpectedParent {
		res.Err = &ConflictError{
			Collection:     collection,
			DocID:          w.Rev.DocID,
			ExpectedParent: w.ExpectedParent,
			CurrentLeaf:    leafID,
		}
		if w.Fallback != nil {
			if err := recordBranch(ctx, tx, collection, *w.Fallback); err != nil {
				return res, err
			}
			res.Branch = true
		}
		return res, nil
	}

	if err := insertRevision(ctx, tx, collection, w.Rev); err != nil {
		return res, err
	}
	seq, err := moveLeaf(ctx, tx, collection, w.Rev)
	if err != nil {
		return res, err
	}
	if err := clearBranches(ctx, tx, collection, w.Rev.DocID, w.Resolves); err != nil {
		return res, err
	}
	res.Applied = true
	res.Seq = seq
	return res, markKnownRemote(ctx, tx, remote, collection, w)
}

func verifyWrite(w Write) error {
	if err := revision.Verify(w.Rev); err != nil {
		return err
	}
	for _, h := range w.History {
		if h.DocID != w.Rev.DocID {
			return fmt.Errorf("history revision %s belongs to %q, not %q", h.ID, h.DocID, w.Rev.DocID)
		}
		if err := revision.Verify(h); err != nil {
			return err
		}
	}
	if w.Fallback != nil {
		if err := revision.Verify(*w.Fallback); err != nil {
			return err
		}
	}
	return nil
}

// MarkRemote records that remote now holds the given revisions.
func (s *Store) MarkRemote(ctx context.Context, remote, collection string, refs []Ref) error {
	if len(refs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark remote: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, ref := range refs {
		if err := upsertRemoteRev(ctx, tx, remote, collection, ref.DocID, ref.RevID); err != nil {
			return fmt.Errorf("mark remote: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark remote: commit: %w", err)
	}
	return nil
}

// ClearConflict drops a stored conflict branch.
func (s *Store) ClearConflict(ctx context.Context, collection, docID, revID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conflicts WHERE collection = ? AND doc_id = ? AND rev_id = ?
	`, collection, docID, revID)
	if err != nil {
		return fmt.Errorf("clear conflict: %w", err)
	}
	return nil
}

// insertRevision stores an immutable revision row.
// Uses ON CONFLICT DO NOTHING for idempotency.
func insertRevision(ctx context.Context, q querier, collection string, rev revision.Revision) error {
	body, err := marshalBody(rev.Body)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO revisions
		(collection, doc_id, rev_id, generation, digest, deleted, parent_id, merge_parent_id, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		collection,
		rev.DocID,
		rev.ID,
		rev.Generation,
		rev.Digest,
		boolInt(rev.Deleted),
		rev.Parent,
		rev.MergeParent,
		body,
	)
	if err != nil {
		return fmt.Errorf("insert revision %s: %w", rev.ID, err)
	}
	return nil
}

// moveLeaf points the document at rev under a fresh commit sequence.
func moveLeaf(ctx context.Context, q querier, collection string, rev revision.Revision) (int64, error) {
	seq, err := nextSequence(ctx, q)
	if err != nil {
		return 0, err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_id, leaf_rev_id, deleted, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			leaf_rev_id = excluded.leaf_rev_id,
			deleted = excluded.deleted,
			seq = excluded.seq
	`, collection, rev.DocID, rev.ID, boolInt(rev.Deleted), seq)
	if err != nil {
		return 0, fmt.Errorf("move leaf %s/%s: %w", collection, rev.DocID, err)
	}
	return seq, nil
}

// nextSequence increments the store-wide commit counter.
// Must run inside a write transaction.
func nextSequence(ctx context.Context, q querier) (int64, error) {
	last, err := lastSequence(ctx, q)
	if err != nil {
		return 0, err
	}
	next := last + 1
	_, err = q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('last_seq', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.FormatInt(next, 10))
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	return next, nil
}

func recordBranch(ctx context.Context, q querier, collection string, rev revision.Revision) error {
	if err := insertRevision(ctx, q, collection, rev); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO conflicts (collection, doc_id, rev_id)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, collection, rev.DocID, rev.ID)
	if err != nil {
		return fmt.Errorf("record conflict %s/%s: %w", collection, rev.DocID, err)
	}
	return nil
}

func clearBranches(ctx context.Context, q querier, collection, docID string, revIDs []string) error {
	for _, id := range revIDs {
		_, err := q.ExecContext(ctx, `
			DELETE FROM conflicts WHERE collection = ? AND doc_id = ? AND rev_id = ?
		`, collection, docID, id)
		if err != nil {
			return fmt.Errorf("clear conflict %s/%s: %w", collection, docID, err)
		}
	}
	return nil
}

func markKnownRemote(ctx context.Context, q querier, remote, collection string, w Write) error {
	if remote == "" || w.KnownRemote == "" {
		return nil
	}
	return upsertRemoteRev(ctx, q, remote, collection, w.Rev.DocID, w.KnownRemote)
}

func upsertRemoteRev(ctx context.Context, q querier, remote, collection, docID, revID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO remote_revs (remote, collection, doc_id, rev_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(remote, collection, doc_id) DO UPDATE SET rev_id = excluded.rev_id
	`, remote, collection, docID, revID)
	if err != nil {
		return fmt.Errorf("record remote revision %s/%s: %w", collection, docID, err)
	}
	return nil
}
