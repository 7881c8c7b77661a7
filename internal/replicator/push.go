package replicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/changefeed"
	"github.com/roach88/docsync/internal/checkpoint"
	"github.com/roach88/docsync/internal/eventbus"
	"github.com/roach88/docsync/internal/protocol"
	"github.com/roach88/docsync/internal/store"
)

// push sends local changes since the checkpoint cursor.
func (r *Replicator) push(ctx context.Context, conn *protocol.Conn, collection string) (int, error) {
	cs := r.cursors[collection]
	feed := changefeed.New(r.cfg.Store, collection, cs.cp.LocalCursor, changefeed.Options{PageSize: r.cfg.BatchSize})
	defer feed.Close()

	moved := 0
	for {
		batch, err := feed.NextBatch(ctx, r.cfg.BatchSize)
		if errors.Is(err, changefeed.ErrExhausted) {
			return moved, nil
		}
		if err != nil {
			return moved, storageError(collection, err)
		}

		n, err := r.pushBatch(ctx, conn, collection, batch)
		moved += n
		if err != nil {
			return moved, err
		}
		if err := r.advance(ctx, collection, func(cp *checkpoint.Checkpoint) {
			cp.LocalCursor = feed.Cursor()
		}); err != nil {
			return moved, err
		}
	}
}

// pushBatch offers one feed page to the remote. Documents whose leaf the
// remote already acknowledged are skipped without a round trip.
func (r *Replicator) pushBatch(ctx context.Context, conn *protocol.Conn, collection string, changes []store.Change) (int, error) {
	var candidates []store.Ref
	remoteHas := make(map[string][]string)
	for _, c := range changes {
		acked, err := r.cfg.Store.RemoteRevision(ctx, r.remote, collection, c.DocID)
		if err != nil {
			return 0, storageError(collection, err)
		}
		if acked != c.RevID {
			candidates = append(candidates, store.Ref{DocID: c.DocID, RevID: c.RevID})
		}
		if acked != "" {
			remoteHas[c.DocID] = append(remoteHas[c.DocID], acked)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	var diff protocol.RevsMissing
	if err := r.call(ctx, conn, protocol.TypeRevsDiff, protocol.RevsDiff{
		Collection: collection,
		Refs:       candidates,
	}, &diff); err != nil {
		return 0, remoteError("revs_diff", err)
	}
	acked := present(candidates, diff.Missing)
	if len(diff.Missing) == 0 {
		return 0, r.markRemote(ctx, collection, acked)
	}

	r.markActive()
	r.addProgress(len(diff.Missing), 0)

	items := make([]protocol.RevWithHistory, 0, len(diff.Missing))
	for _, ref := range diff.Missing {
		rev, err := r.cfg.Store.Revision(ctx, collection, ref.DocID, ref.RevID)
		if err != nil {
			return 0, storageError(collection, err)
		}
		known := remoteHas[ref.DocID]
		if leaf := diff.Leaves[ref.DocID]; leaf != "" {
			known = append(known, leaf)
		}
		history, err := r.cfg.Store.History(ctx, collection, ref.DocID, ref.RevID, r.cfg.HistoryLimit, known...)
		if err != nil {
			return 0, storageError(collection, err)
		}
		items = append(items, protocol.RevWithHistory{Rev: rev, History: history})
	}

	var res protocol.PutResult
	if err := r.call(ctx, conn, protocol.TypePutRevs, protocol.PutRevs{
		Collection: collection,
		Items:      items,
	}, &res); err != nil {
		return 0, remoteError("put_revs", err)
	}
	if len(res.Results) != len(items) {
		return 0, &Error{
			Code:       CodeTransport,
			Message:    fmt.Sprintf("put_revs: %d results for %d revisions", len(res.Results), len(items)),
			Collection: collection,
		}
	}

	moved := 0
	outcomes := make([]eventbus.DocumentOutcome, len(items))
	for i, result := range res.Results {
		rev := items[i].Rev
		outcomes[i] = eventbus.DocumentOutcome{
			Collection: collection,
			DocID:      rev.DocID,
			RevID:      rev.ID,
			Deleted:    rev.Deleted,
		}
		switch result.Status {
		case protocol.StatusOK:
			acked = append(acked, store.Ref{DocID: rev.DocID, RevID: rev.ID})
			moved++
		case protocol.StatusConflict:
			// The remote forked; the next pull brings its branch in for merging.
			outcomes[i].Err = fmt.Errorf("%w: %s", store.ErrConflict, result.Error)
		default:
			outcomes[i].Err = fmt.Errorf("remote rejected %s: %s", rev.ID, result.Error)
		}
	}
	if err := r.markRemote(ctx, collection, acked); err != nil {
		return moved, err
	}

	r.publishDocuments(eventbus.DirectionPush, outcomes)
	r.addProgress(0, len(items))
	return moved, nil
}

func (r *Replicator) markRemote(ctx context.Context, collection string, refs []store.Ref) error {
	if err := r.cfg.Store.MarkRemote(ctx, r.remote, collection, refs); err != nil {
		return storageError(collection, err)
	}
	return nil
}
