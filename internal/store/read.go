package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/roach88/docsync/internal/revision"
)

// Change is one entry of the local changes feed: the current leaf of a
// document and the commit sequence that produced it.
type Change struct {
	Seq     int64  `json:"seq"`
	DocID   string `json:"doc_id"`
	RevID   string `json:"rev_id"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Leaf returns the current leaf revision of a document.
// Tombstones are returned like any other leaf; check Deleted.
// Returns ErrNotFound if the document has never been written.
func (s *Store) Leaf(ctx context.Context, collection, docID string) (revision.Revision, error) {
	return leafRevision(ctx, s.db, collection, docID)
}

// Revision returns one stored revision of a document.
func (s *Store) Revision(ctx context.Context, collection, docID, revID string) (revision.Revision, error) {
	return getRevision(ctx, s.db, collection, docID, revID)
}

// Missing returns the refs this store does not hold, in input order.
func (s *Store) Missing(ctx context.Context, collection string, refs []Ref) ([]Ref, error) {
	missing := []Ref{}
	for _, ref := range refs {
		var one int
		err := s.db.QueryRowContext(ctx, `
			SELECT 1 FROM revisions WHERE collection = ? AND doc_id = ? AND rev_id = ?
		`, collection, ref.DocID, ref.RevID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, ref)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check revision %s/%s: %w", ref.DocID, ref.RevID, err)
		}
	}
	return missing, nil
}

// ChangesSince returns up to limit changes with a sequence greater than
// since, in sequence order. A limit <= 0 means no limit.
//
// Returns empty slice (not nil) if there are no changes.
func (s *Store) ChangesSince(ctx context.Context, collection string, since int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means unbounded
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, doc_id, leaf_rev_id, deleted
		FROM documents
		WHERE collection = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, collection, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var (
			c       Change
			deleted int
		)
		if err := rows.Scan(&c.Seq, &c.DocID, &c.RevID, &deleted); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Deleted = deleted != 0
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// LastSequence returns the newest commit sequence, or 0 for an empty store.
func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	return lastSequence(ctx, s.db)
}

// Leaves returns the current leaf revision id of every document in a
// collection, tombstones included.
func (s *Store) Leaves(ctx context.Context, collection string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, leaf_rev_id FROM documents WHERE collection = ?
		ORDER BY doc_id COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query leaves: %w", err)
	}
	defer rows.Close()

	leaves := make(map[string]string)
	for rows.Next() {
		var docID, revID string
		if err := rows.Scan(&docID, &revID); err != nil {
			return nil, fmt.Errorf("scan leaf: %w", err)
		}
		leaves[docID] = revID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaves: %w", err)
	}
	return leaves, nil
}

// Conflicts returns the stored, unresolved conflict branches of a collection.
func (s *Store) Conflicts(ctx context.Context, collection string) ([]revision.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.doc_id, r.rev_id, r.generation, r.digest, r.deleted, r.parent_id, r.merge_parent_id, r.body
		FROM conflicts c
		JOIN revisions r
			ON r.collection = c.collection AND r.doc_id = c.doc_id AND r.rev_id = c.rev_id
		WHERE c.collection = ?
		ORDER BY c.doc_id COLLATE BINARY ASC, c.rev_id COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	branches := []revision.Revision{}
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		branches = append(branches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return branches, nil
}

// ConflictCount returns the number of unresolved conflict branches.
func (s *Store) ConflictCount(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflicts WHERE collection = ?
	`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return n, nil
}

// PendingDocumentIDs returns, sorted, the documents whose leaf is not known
// to be present on remote.
func (s *Store) PendingDocumentIDs(ctx context.Context, remote, collection string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.doc_id
		FROM documents d
		LEFT JOIN remote_revs r
			ON r.remote = ? AND r.collection = d.collection AND r.doc_id = d.doc_id
		WHERE d.collection = ? AND (r.rev_id IS NULL OR r.rev_id != d.leaf_rev_id)
		ORDER BY d.doc_id COLLATE BINARY ASC
	`, remote, collection)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return ids, nil
}

// IsDocumentPending reports whether a document's leaf still has to be pushed
// to remote. Unknown documents are not pending.
func (s *Store) IsDocumentPending(ctx context.Context, remote, collection, docID string) (bool, error) {
	leaf, err := leafID(ctx, s.db, collection, docID)
	if err != nil {
		return false, err
	}
	if leaf == "" {
		return false, nil
	}
	known, err := s.RemoteRevision(ctx, remote, collection, docID)
	if err != nil {
		return false, err
	}
	return known != leaf, nil
}

// RemoteRevision returns the revision remote is known to hold for a
// document, or "" if none is recorded.
func (s *Store) RemoteRevision(ctx context.Context, remote, collection, docID string) (string, error) {
	var revID string
	err := s.db.QueryRowContext(ctx, `
		SELECT rev_id FROM remote_revs WHERE remote = ? AND collection = ? AND doc_id = ?
	`, remote, collection, docID).Scan(&revID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query remote revision: %w", err)
	}
	return revID, nil
}

// History returns stored ancestors of revID, nearest first. It returns up
// to limit of them (all when limit <= 0), extended down to the oldest
// revision named in known so a receiver holding any of those can connect
// the chain to its own leaf. Known revisions are left out and end their
// branch, as do revisions this store lacks.
func (s *Store) History(ctx context.Context, collection, docID, revID string, limit int, known ...string) ([]revision.Revision, error) {
	start, err := s.Revision(ctx, collection, docID, revID)
	if err != nil {
		return nil, err
	}

	floor := int64(math.MaxInt64)
	stop := make(map[string]bool, len(known))
	for _, id := range known {
		gen, err := revision.ParseGeneration(id)
		if err != nil {
			continue
		}
		stop[id] = true
		floor = min(floor, gen)
	}

	history := []revision.Revision{}
	seen := map[string]bool{revID: true}
	queue := start.Parents()
	for len(queue) > 0 {
		if len(history) >= maxWalk {
			return nil, fmt.Errorf("%w: %s/%s history of %s", ErrHistoryTooLong, collection, docID, revID)
		}
		id := queue[0]
		queue = queue[1:]
		if seen[id] || stop[id] {
			continue
		}
		seen[id] = true
		if limit > 0 && len(history) >= limit {
			if gen, err := revision.ParseGeneration(id); err != nil || gen <= floor {
				continue
			}
		}

		r, err := s.Revision(ctx, collection, docID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		history = append(history, r)
		queue = append(queue, r.Parents()...)
	}
	return history, nil
}

func leafRevision(ctx context.Context, q querier, collection, docID string) (revision.Revision, error) {
	row := q.QueryRowContext(ctx, `
		SELECT r.doc_id, r.rev_id, r.generation, r.digest, r.deleted, r.parent_id, r.merge_parent_id, r.body
		FROM documents d
		JOIN revisions r
			ON r.collection = d.collection AND r.doc_id = d.doc_id AND r.rev_id = d.leaf_rev_id
		WHERE d.collection = ? AND d.doc_id = ?
	`, collection, docID)
	r, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return revision.Revision{}, fmt.Errorf("document %s/%s: %w", collection, docID, ErrNotFound)
	}
	if err != nil {
		return revision.Revision{}, fmt.Errorf("read leaf %s/%s: %w", collection, docID, err)
	}
	return r, nil
}

func getRevision(ctx context.Context, q querier, collection, docID, revID string) (revision.Revision, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+revisionColumns+`
		FROM revisions
		WHERE collection = ? AND doc_id = ? AND rev_id = ?
	`, collection, docID, revID)
	r, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return revision.Revision{}, fmt.Errorf("revision %s/%s@%s: %w", collection, docID, revID, ErrNotFound)
	}
	if err != nil {
		return revision.Revision{}, fmt.Errorf("read revision %s: %w", revID, err)
	}
	return r, nil
}

// leafID returns the current leaf id of a document, or "" if it does not exist.
func leafID(ctx context.Context, q querier, collection, docID string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT leaf_rev_id FROM documents WHERE collection = ? AND doc_id = ?
	`, collection, docID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read leaf id %s/%s: %w", collection, docID, err)
	}
	return id, nil
}

func lastSequence(ctx context.Context, q querier) (int64, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'last_seq'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	seq, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last sequence %q: %w", value, err)
	}
	return seq, nil
}
