// Package conflict resolves forked document histories into merge commits.
//
// A fork exists when an incoming revision neither descends from nor precedes
// the local leaf. A Resolver picks the content of the merge; the Merger turns
// that answer into exactly one merge revision whose parents are both branch
// tips, so no history is ever dropped.
//
// Parent order in the merge follows the default ordering (higher generation,
// then greater id), not the resolver's choice or which side is local. Two
// peers resolving the same pair with the same resolver therefore build the
// same merge id.
package conflict

import (
	"context"

	"github.com/roach88/docsync/internal/revision"
)

// Case is a pair of conflicting revisions of one document.
type Case struct {
	Collection string
	DocID      string
	Local      revision.Revision
	Remote     revision.Revision
	// Ancestor is the nearest common ancestor, nil when the histories do
	// not meet.
	Ancestor *revision.Revision
}

// Resolver decides the content of a merge. Only Body and Deleted of the
// returned revision are used; returning c.Local or c.Remote keeps that side,
// and Deletion() turns the merge into a tombstone.
type Resolver interface {
	Resolve(ctx context.Context, c Case) (revision.Revision, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, c Case) (revision.Revision, error)

func (f ResolverFunc) Resolve(ctx context.Context, c Case) (revision.Revision, error) {
	return f(ctx, c)
}

// Default keeps the winning side: higher generation, ties broken by the
// lexicographically greater revision id.
var Default Resolver = ResolverFunc(func(_ context.Context, c Case) (revision.Revision, error) {
	winner, _ := Winner(c.Local, c.Remote)
	return winner, nil
})

// Winner orders two revisions by the default policy.
func Winner(a, b revision.Revision) (winner, loser revision.Revision) {
	if revision.Compare(a, b) >= 0 {
		return a, b
	}
	return b, a
}

// Deletion is the resolver answer that deletes the document.
func Deletion() revision.Revision {
	return revision.Revision{Deleted: true}
}
