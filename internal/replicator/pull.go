package replicator

import (
	"context"
	"errors"

	"github.com/roach88/docsync/internal/checkpoint"
	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/eventbus"
	"github.com/roach88/docsync/internal/protocol"
	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

// planned pairs a store write with the outcome reported for it.
type planned struct {
	write   store.Write
	outcome eventbus.DocumentOutcome
	// failed is set when resolution failed; the write only records a branch.
	failed error
}

// pull pages through the remote feed from the checkpoint cursor.
func (r *Replicator) pull(ctx context.Context, conn *protocol.Conn, collection string) (int, error) {
	cs := r.cursors[collection]
	moved := 0
	for {
		var page protocol.Changes
		err := r.call(ctx, conn, protocol.TypeGetChanges, protocol.GetChanges{
			Collection: collection,
			Since:      cs.cp.RemoteCursor,
			Limit:      r.cfg.BatchSize,
		}, &page)
		if err != nil {
			return moved, remoteError("get_changes", err)
		}
		if len(page.Items) == 0 {
			return moved, nil
		}

		n, err := r.pullBatch(ctx, conn, collection, page.Items)
		moved += n
		if err != nil {
			return moved, err
		}
		if err := r.advance(ctx, collection, func(cp *checkpoint.Checkpoint) {
			cp.RemoteCursor = page.LastSeq
		}); err != nil {
			return moved, err
		}
		if !page.More {
			return moved, nil
		}
	}
}

// pullBatch fetches the revisions of one page this store lacks and commits
// them, merges included, in one transaction.
func (r *Replicator) pullBatch(ctx context.Context, conn *protocol.Conn, collection string, changes []store.Change) (int, error) {
	refs := make([]store.Ref, len(changes))
	for i, c := range changes {
		refs[i] = store.Ref{DocID: c.DocID, RevID: c.RevID}
	}
	missing, err := r.cfg.Store.Missing(ctx, collection, refs)
	if err != nil {
		return 0, storageError(collection, err)
	}
	if err := r.cfg.Store.MarkRemote(ctx, r.remote, collection, present(refs, missing)); err != nil {
		return 0, storageError(collection, err)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	r.markActive()
	r.addProgress(len(missing), 0)

	known := make(map[string][]string, len(missing))
	for _, ref := range missing {
		leaf, err := r.cfg.Store.Leaf(ctx, collection, ref.DocID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, storageError(collection, err)
		}
		known[ref.DocID] = []string{leaf.ID}
	}

	var revs protocol.Revs
	if err := r.call(ctx, conn, protocol.TypeGetRevs, protocol.GetRevs{
		Collection:   collection,
		Refs:         missing,
		HistoryLimit: r.cfg.HistoryLimit,
		Known:        known,
	}, &revs); err != nil {
		return 0, remoteError("get_revs", err)
	}

	var plan []planned
	var known []store.Ref
	for _, item := range revs.Items {
		p, skip, err := r.planIncoming(ctx, collection, item.Rev, item.History, item.Rev.ID)
		if err != nil {
			return 0, err
		}
		if skip {
			known = append(known, store.Ref{DocID: item.Rev.DocID, RevID: item.Rev.ID})
			continue
		}
		plan = append(plan, p)
	}
	if err := r.cfg.Store.MarkRemote(ctx, r.remote, collection, known); err != nil {
		return 0, storageError(collection, err)
	}

	moved, err := r.commit(ctx, collection, plan)
	r.addProgress(0, len(revs.Items))
	return moved, err
}

// retryConflicts re-resolves branches left by earlier failed resolutions or
// lost compare-and-swaps.
func (r *Replicator) retryConflicts(ctx context.Context, collection string) (int, error) {
	branches, err := r.cfg.Store.Conflicts(ctx, collection)
	if err != nil {
		return 0, storageError(collection, err)
	}
	if len(branches) == 0 {
		return 0, nil
	}

	var plan []planned
	for _, b := range branches {
		p, skip, err := r.planIncoming(ctx, collection, b, nil, "")
		if err != nil {
			return 0, err
		}
		if skip {
			if err := r.cfg.Store.ClearConflict(ctx, collection, b.DocID, b.ID); err != nil {
				return 0, storageError(collection, err)
			}
			continue
		}
		p.write.Resolves = append(p.write.Resolves, b.ID)
		p.write.Fallback = nil
		if p.failed != nil {
			// Still unresolved: the branch stays as it is.
			r.publishDocuments(eventbus.DirectionPull, []eventbus.DocumentOutcome{p.outcome})
			continue
		}
		plan = append(plan, p)
	}
	r.logger.Debug("conflict retry", "collection", collection, "branches", len(branches), "planned", len(plan))
	return r.commit(ctx, collection, plan)
}

// planIncoming classifies one remote revision against the local leaf. skip
// reports a revision the store already has as its leaf or an ancestor.
func (r *Replicator) planIncoming(ctx context.Context, collection string, rev revision.Revision, history []revision.Revision, knownRemote string) (planned, bool, error) {
	p := planned{outcome: eventbus.DocumentOutcome{
		Collection: collection,
		DocID:      rev.DocID,
		RevID:      rev.ID,
		Deleted:    rev.Deleted,
	}}
	if err := revision.Verify(rev); err != nil {
		p.outcome.Err = err
		p.failed = err
		return p, false, nil
	}

	rel, leaf, err := r.cfg.Store.Classify(ctx, collection, rev, history)
	if err != nil {
		return p, false, storageError(collection, err)
	}

	fallback := rev
	switch rel {
	case store.RelationKnown:
		return p, true, nil
	case store.RelationNew:
		p.write = store.Write{Rev: rev, History: history, KnownRemote: knownRemote, Fallback: &fallback}
	case store.RelationFastForward:
		p.write = store.Write{Rev: rev, History: history, ExpectedParent: leaf.ID, KnownRemote: knownRemote, Fallback: &fallback}
	case store.RelationFork:
		return r.resolve(ctx, collection, *leaf, rev, history, knownRemote)
	}
	return p, false, nil
}

// resolve merges a fork. On resolver failure the remote revision is kept as
// a conflict branch and retried next cycle.
func (r *Replicator) resolve(ctx context.Context, collection string, local, remote revision.Revision, history []revision.Revision, knownRemote string) (planned, bool, error) {
	graph := r.cfg.Store.Ancestry(collection, remote.DocID, append(history[:len(history):len(history)], remote)...)
	ancestor, err := graph.CommonAncestor(ctx, local.ID, remote.ID)
	if err != nil {
		return planned{}, false, storageError(collection, err)
	}

	p := planned{outcome: eventbus.DocumentOutcome{Collection: collection, DocID: remote.DocID}}
	merged, err := r.merger.Merge(ctx, conflict.Case{
		Collection: collection,
		DocID:      remote.DocID,
		Local:      local,
		Remote:     remote,
		Ancestor:   ancestor,
	})
	if err != nil {
		if ctx.Err() != nil {
			return planned{}, false, ctx.Err()
		}
		rerr := resolutionError(collection, remote.DocID, err)
		p.outcome.RevID = remote.ID
		p.outcome.Deleted = remote.Deleted
		p.outcome.Err = rerr
		p.failed = rerr
		p.write = store.Write{Rev: remote, History: history, Branch: true, KnownRemote: knownRemote}
		return p, false, nil
	}

	fallback := remote
	mergeHistory := make([]revision.Revision, 0, len(history)+1)
	mergeHistory = append(mergeHistory, history...)
	mergeHistory = append(mergeHistory, remote)
	p.outcome.RevID = merged.ID
	p.outcome.Deleted = merged.Deleted
	p.write = store.Write{
		Rev:            merged,
		History:        mergeHistory,
		ExpectedParent: local.ID,
		KnownRemote:    knownRemote,
		Fallback:       &fallback,
		Resolves:       []string{remote.ID},
	}
	return p, false, nil
}

// commit applies a plan in one transaction and reports the outcomes.
func (r *Replicator) commit(ctx context.Context, collection string, plan []planned) (int, error) {
	if len(plan) == 0 {
		return 0, nil
	}

	var writes []store.Write
	var slots []int
	outcomes := make([]eventbus.DocumentOutcome, len(plan))
	for i, p := range plan {
		outcomes[i] = p.outcome
		if p.write.Rev.ID == "" {
			continue
		}
		writes = append(writes, p.write)
		slots = append(slots, i)
	}

	results, err := r.cfg.Store.ApplyBatch(ctx, collection, r.remote, writes)
	if err != nil {
		return 0, storageError(collection, err)
	}

	moved := 0
	for j, res := range results {
		i := slots[j]
		switch {
		case res.Err != nil:
			outcomes[i].Err = res.Err
			if errors.Is(res.Err, store.ErrConflict) {
				r.logger.Debug("local edit raced a pulled revision", "collection", collection, "doc_id", res.DocID)
			}
		case res.Applied:
			moved++
		}
	}

	r.publishDocuments(eventbus.DirectionPull, outcomes)
	return moved, nil
}

// present returns the refs not listed in missing.
func present(all, missing []store.Ref) []store.Ref {
	if len(missing) == 0 {
		return all
	}
	skip := make(map[store.Ref]bool, len(missing))
	for _, m := range missing {
		skip[m] = true
	}
	var out []store.Ref
	for _, ref := range all {
		if !skip[ref] {
			out = append(out, ref)
		}
	}
	return out
}
