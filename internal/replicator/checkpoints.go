package replicator

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/docsync/internal/checkpoint"
)

const flushTimeout = 5 * time.Second

type cursorState struct {
	cp      checkpoint.Checkpoint
	dirty   bool
	savedAt time.Time
}

// loadCheckpoints reads (or, with reset, discards) the checkpoint of every
// collection. A checkpoint in a newer format is ignored: replaying from
// zero is safe because applying a known revision is a no-op.
func (r *Replicator) loadCheckpoints(ctx context.Context, reset bool) error {
	r.cursors = make(map[string]*cursorState, len(r.cfg.Collections))
	for _, coll := range r.cfg.Collections {
		key := checkpoint.Key(r.id, coll)
		if reset {
			if err := r.cfg.Checkpoints.Reset(ctx, key); err != nil {
				return storageError(coll, err)
			}
		}

		cs := &cursorState{cp: checkpoint.Checkpoint{
			Version:       checkpoint.Version,
			ReplicationID: r.id,
			Collection:    coll,
		}}
		stored, err := r.cfg.Checkpoints.Load(ctx, key)
		switch {
		case errors.Is(err, checkpoint.ErrUnsupportedVersion):
			r.logger.Warn("ignoring checkpoint", "collection", coll, "error", err)
		case err != nil:
			return storageError(coll, err)
		case stored != nil:
			cs.cp.LocalCursor = stored.LocalCursor
			cs.cp.RemoteCursor = stored.RemoteCursor
			cs.cp.Timestamp = stored.Timestamp
		}
		r.logger.Debug("checkpoint loaded",
			"collection", coll,
			"local_cursor", cs.cp.LocalCursor,
			"remote_cursor", cs.cp.RemoteCursor,
		)
		r.cursors[coll] = cs
	}
	return nil
}

// advance updates a cursor after a committed batch. One-shot replications
// save at once; continuous ones at most every CheckpointInterval.
func (r *Replicator) advance(ctx context.Context, collection string, update func(*checkpoint.Checkpoint)) error {
	cs := r.cursors[collection]
	update(&cs.cp)
	cs.dirty = true
	if r.cfg.Continuous && r.cfg.Now().Sub(cs.savedAt) < r.cfg.CheckpointInterval {
		return nil
	}
	return r.save(ctx, cs)
}

func (r *Replicator) save(ctx context.Context, cs *cursorState) error {
	cs.cp.Timestamp = r.cfg.Now()
	if err := r.cfg.Checkpoints.Save(ctx, cs.cp); err != nil {
		return storageError(cs.cp.Collection, err)
	}
	cs.dirty = false
	cs.savedAt = cs.cp.Timestamp
	return nil
}

// nextFlush returns how long until the oldest unsaved cursor is due.
func (r *Replicator) nextFlush() (time.Duration, bool) {
	var due time.Duration
	found := false
	now := r.cfg.Now()
	for _, cs := range r.cursors {
		if !cs.dirty {
			continue
		}
		d := max(cs.savedAt.Add(r.cfg.CheckpointInterval).Sub(now), 0)
		if !found || d < due {
			due, found = d, true
		}
	}
	return due, found
}

func (r *Replicator) saveDirty(ctx context.Context) error {
	for _, cs := range r.cursors {
		if cs.dirty {
			if err := r.save(ctx, cs); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushCheckpoints saves unsaved cursors when a run ends.
func (r *Replicator) flushCheckpoints() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := r.saveDirty(ctx); err != nil {
		r.logger.Error("checkpoint flush failed", "error", err)
	}
}
