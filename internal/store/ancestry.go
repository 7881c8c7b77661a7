package store

import (
	"container/heap"
	"context"
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/revision"
)

// maxWalk bounds ancestry and history walks.
var maxWalk = 10000

// Relation classifies an incoming revision against the local leaf.
type Relation int

const (
	// RelationNew means the document does not exist locally.
	RelationNew Relation = iota + 1
	// RelationKnown means the incoming revision is the leaf or one of its
	// ancestors. Nothing to apply.
	RelationKnown
	// RelationFastForward means the local leaf is an ancestor of the
	// incoming revision.
	RelationFastForward
	// RelationFork means neither revision descends from the other.
	RelationFork
)

func (r Relation) String() string {
	switch r {
	case RelationNew:
		return "new"
	case RelationKnown:
		return "known"
	case RelationFastForward:
		return "fast_forward"
	case RelationFork:
		return "fork"
	default:
		return fmt.Sprintf("Relation(%d)", int(r))
	}
}

// Ancestry walks the revision graph of one document. Revisions passed as
// extra take precedence over stored rows, so a batch can be classified
// before it is written.
type Ancestry struct {
	q          querier
	collection string
	docID      string
	extra      map[string]revision.Revision
}

// Ancestry returns a walker for a document's graph.
func (s *Store) Ancestry(collection, docID string, extra ...revision.Revision) *Ancestry {
	m := make(map[string]revision.Revision, len(extra))
	for _, r := range extra {
		m[r.ID] = r
	}
	return &Ancestry{q: s.db, collection: collection, docID: docID, extra: m}
}

// Get returns a revision from the extra set or the store.
func (a *Ancestry) Get(ctx context.Context, id string) (revision.Revision, error) {
	if r, ok := a.extra[id]; ok {
		return r, nil
	}
	return getRevision(ctx, a.q, a.collection, a.docID, id)
}

// IsAncestor reports whether ancestor is reachable from descendant through
// parent links. A revision is not its own ancestor.
func (a *Ancestry) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	if ancestor == "" || ancestor == descendant {
		return false, nil
	}
	target, err := revision.ParseGeneration(ancestor)
	if err != nil {
		return false, err
	}

	found := false
	err = a.walk(ctx, descendant, func(r revision.Revision) bool {
		if r.ID == ancestor {
			found = true
			return false
		}
		return r.Generation > target
	})
	return found, err
}

// CommonAncestor returns the highest common ancestor of two revisions, or
// nil when their known histories do not meet. Both sides are expanded
// together in descending generation order, so the walk ends at the first
// revision reached from both.
func (a *Ancestry) CommonAncestor(ctx context.Context, x, y string) (*revision.Revision, error) {
	const fromX, fromY = 1, 2
	marks := make(map[string]uint8)
	queued := [3]int{}
	var front frontier

	add := func(id string, side uint8) error {
		if id == "" {
			return nil
		}
		m, seen := marks[id]
		if m&side != 0 {
			return nil
		}
		marks[id] = m | side
		queued[side]++
		if seen {
			return nil
		}
		gen, err := revision.ParseGeneration(id)
		if err != nil {
			return err
		}
		heap.Push(&front, genRef{id: id, gen: gen})
		return nil
	}
	if err := add(x, fromX); err != nil {
		return nil, err
	}
	if err := add(y, fromY); err != nil {
		return nil, err
	}

	for steps := 0; front.Len() > 0 && queued[fromX] > 0 && queued[fromY] > 0; steps++ {
		if steps >= maxWalk {
			return nil, a.tooLong()
		}
		id := heap.Pop(&front).(genRef).id
		m := marks[id]
		for _, side := range []uint8{fromX, fromY} {
			if m&side != 0 {
				queued[side]--
			}
		}

		r, err := a.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m == fromX|fromY {
			return &r, nil
		}
		for _, p := range r.Parents() {
			if err := add(p, m); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// walk visits start and its known ancestors breadth first. visit returns
// false to stop descending below a revision. Missing revisions end their
// branch silently; a walk longer than maxWalk fails with
// ErrHistoryTooLong.
func (a *Ancestry) walk(ctx context.Context, start string, visit func(revision.Revision) bool) error {
	seen := make(map[string]bool)
	queue := []string{start}
	for steps := 0; len(queue) > 0; steps++ {
		if steps >= maxWalk {
			return a.tooLong()
		}
		id := queue[0]
		queue = queue[1:]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		r, err := a.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if visit(r) {
			queue = append(queue, r.Parents()...)
		}
	}
	return nil
}

func (a *Ancestry) tooLong() error {
	return fmt.Errorf("%w: %s/%s walked %d revisions", ErrHistoryTooLong, a.collection, a.docID, maxWalk)
}

// genRef orders revision ids by generation, then id, highest first.
type genRef struct {
	id  string
	gen int64
}

type frontier []genRef

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].gen != f[j].gen {
		return f[i].gen > f[j].gen
	}
	return f[i].id > f[j].id
}
func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)   { *f = append(*f, x.(genRef)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	x := old[n-1]
	*f = old[:n-1]
	return x
}

// Classify relates an incoming revision to the local leaf. history holds
// ancestors received along with incoming. The leaf is returned when the
// document exists.
func (s *Store) Classify(ctx context.Context, collection string, incoming revision.Revision, history []revision.Revision) (Relation, *revision.Revision, error) {
	leaf, err := s.Leaf(ctx, collection, incoming.DocID)
	if errors.Is(err, ErrNotFound) {
		return RelationNew, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	if leaf.ID == incoming.ID {
		return RelationKnown, &leaf, nil
	}

	graph := s.Ancestry(collection, incoming.DocID, append(history, incoming)...)

	stale, err := graph.IsAncestor(ctx, incoming.ID, leaf.ID)
	if err != nil {
		return 0, nil, err
	}
	if stale {
		return RelationKnown, &leaf, nil
	}

	forward, err := graph.IsAncestor(ctx, leaf.ID, incoming.ID)
	if err != nil {
		return 0, nil, err
	}
	if forward {
		return RelationFastForward, &leaf, nil
	}
	return RelationFork, &leaf, nil
}
