package revision

import (
	"fmt"
	"strconv"
	"strings"
)

// Revision is an immutable snapshot of one document.
//
// Parent is empty for the first revision of a document. MergeParent is set
// only on merge commits, which record two converging histories.
type Revision struct {
	ID          string `json:"id"`
	DocID       string `json:"doc_id"`
	Generation  int64  `json:"generation"`
	Digest      string `json:"digest"`
	Deleted     bool   `json:"deleted,omitempty"`
	Parent      string `json:"parent,omitempty"`
	MergeParent string `json:"merge_parent,omitempty"`
	Body        Object `json:"body,omitempty"`
}

// IsMerge reports whether the revision joins two histories.
func (r Revision) IsMerge() bool {
	return r.MergeParent != ""
}

// Parents returns the non-empty parent ids, primary parent first.
func (r Revision) Parents() []string {
	var out []string
	if r.Parent != "" {
		out = append(out, r.Parent)
	}
	if r.MergeParent != "" {
		out = append(out, r.MergeParent)
	}
	return out
}

// New creates the child of parent carrying body. A nil parent starts a new
// history at generation 1. Deleted revisions (tombstones) carry an empty body.
func New(docID string, parent *Revision, body Object, deleted bool) (Revision, error) {
	if docID == "" {
		return Revision{}, fmt.Errorf("new revision: document id is required")
	}
	gen := int64(1)
	parentID := ""
	if parent != nil {
		gen = parent.Generation + 1
		parentID = parent.ID
	}
	return build(docID, gen, parentID, "", body, deleted)
}

// NewMerge creates the merge commit of winner and loser. The generation is one
// past the larger input so the merge supersedes both branches everywhere.
func NewMerge(docID string, winner, loser Revision, body Object, deleted bool) (Revision, error) {
	if docID == "" {
		return Revision{}, fmt.Errorf("new merge: document id is required")
	}
	if winner.ID == "" || loser.ID == "" {
		return Revision{}, fmt.Errorf("new merge: both parents are required")
	}
	gen := max(winner.Generation, loser.Generation) + 1
	return build(docID, gen, winner.ID, loser.ID, body, deleted)
}

func build(docID string, gen int64, parent, mergeParent string, body Object, deleted bool) (Revision, error) {
	if deleted {
		body = Object{}
	}
	if body == nil {
		body = Object{}
	}
	digest, err := Digest(body)
	if err != nil {
		return Revision{}, err
	}
	id, err := ComputeID(gen, digest, deleted, parent, mergeParent)
	if err != nil {
		return Revision{}, err
	}
	return Revision{
		ID:          id,
		DocID:       docID,
		Generation:  gen,
		Digest:      digest,
		Deleted:     deleted,
		Parent:      parent,
		MergeParent: mergeParent,
		Body:        body,
	}, nil
}

// Verify recomputes the digest and id and reports any mismatch.
// Revisions received from a peer are verified before they are stored.
func Verify(r Revision) error {
	if r.DocID == "" {
		return fmt.Errorf("revision %s: missing document id", r.ID)
	}
	digest, err := Digest(r.Body)
	if err != nil {
		return err
	}
	if digest != r.Digest {
		return fmt.Errorf("revision %s: digest mismatch", r.ID)
	}
	id, err := ComputeID(r.Generation, r.Digest, r.Deleted, r.Parent, r.MergeParent)
	if err != nil {
		return err
	}
	if id != r.ID {
		return fmt.Errorf("revision %s: id does not match content", r.ID)
	}
	return nil
}

// ParseGeneration extracts the generation prefix of a revision id.
func ParseGeneration(id string) (int64, error) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("malformed revision id %q", id)
	}
	gen, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || gen < 1 {
		return 0, fmt.Errorf("malformed revision id %q", id)
	}
	return gen, nil
}

// Compare orders revisions by generation, then lexicographically by id.
// It returns a positive number when a ranks above b. The ordering does not
// depend on which peer holds which revision.
func Compare(a, b Revision) int {
	switch {
	case a.Generation > b.Generation:
		return 1
	case a.Generation < b.Generation:
		return -1
	}
	return strings.Compare(a.ID, b.ID)
}
