// Package peer serves a revision store to remote replicators.
//
// A Peer is the passive side of the protocol: it answers requests over one
// session at a time and never resolves conflicts. Pushed revisions land only
// when they fast-forward the local leaf; forks are answered with a conflict
// status so the active replicator pulls, merges and pushes the merge.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/changefeed"
	"github.com/roach88/docsync/internal/protocol"
	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
	"github.com/roach88/docsync/internal/transport"
)

const (
	defaultPageSize     = 100
	defaultHistoryLimit = 50
)

// Peer answers protocol requests against one store.
type Peer struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a passive peer for s.
func New(s *store.Store, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{store: s, logger: logger}
}

// session is the per-connection state of Serve.
type session struct {
	peer   *Peer
	conn   *protocol.Conn
	remote string
	logger *slog.Logger

	group     *errgroup.Group
	groupCtx  context.Context
	unsubFeed context.CancelFunc
}

// Serve answers requests on sess until the context ends or the remote goes
// away. Requests are handled in arrival order. sess is closed on return.
func (p *Peer) Serve(ctx context.Context, sess transport.Session) error {
	conn := protocol.NewConn(sess, p.logger)
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	s := &session{
		peer:     p,
		conn:     conn,
		logger:   p.logger,
		group:    g,
		groupCtx: gctx,
	}

	g.Go(func() error {
		defer s.stopNotifications()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-conn.Done():
				return nil
			case f := <-conn.Incoming():
				if err := s.handle(gctx, f); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if err != nil {
		s.logger.Warn("session ended with error", "remote", s.remote, "error", err)
		return err
	}
	s.logger.Debug("session ended", "remote", s.remote, "reason", conn.Err())
	return nil
}

// handle dispatches one request. Only storage failures that broke the reply
// path end the session.
func (s *session) handle(ctx context.Context, f protocol.Frame) error {
	var err error
	switch f.Type {
	case protocol.TypeHello:
		err = s.hello(ctx, f)
	case protocol.TypeGetChanges:
		err = s.getChanges(ctx, f)
	case protocol.TypeRevsDiff:
		err = s.revsDiff(ctx, f)
	case protocol.TypeGetRevs:
		err = s.getRevs(ctx, f)
	case protocol.TypePutRevs:
		err = s.putRevs(ctx, f)
	case protocol.TypeSubscribe:
		err = s.subscribe(ctx, f)
	case protocol.TypePing:
		err = s.conn.Reply(ctx, f, protocol.TypePong, nil)
	default:
		err = s.conn.ReplyError(ctx, f, protocol.CodeUnknownType, fmt.Sprintf("unsupported frame type %q", f.Type))
	}

	var bad *badRequest
	var storage *storageError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &bad):
		return s.replyError(ctx, f, protocol.CodeBadRequest, bad.Error())
	case errors.As(err, &storage):
		s.logger.Error("request failed", "type", f.Type, "error", storage.err)
		return s.replyError(ctx, f, protocol.CodeStorage, storage.Error())
	case errors.Is(err, protocol.ErrConnClosed), errors.Is(err, transport.ErrBroken), errors.Is(err, transport.ErrClosed):
		// The remote is gone; Serve notices through conn.Done.
		return nil
	default:
		return err
	}
}

func (s *session) replyError(ctx context.Context, f protocol.Frame, code, msg string) error {
	if err := s.conn.ReplyError(ctx, f, code, msg); err != nil && s.conn.Err() == nil {
		return err
	}
	return nil
}

type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }

func decode(f protocol.Frame, out any) error {
	if err := f.Decode(out); err != nil {
		return &badRequest{msg: err.Error()}
	}
	return nil
}

func (s *session) hello(ctx context.Context, f protocol.Frame) error {
	var req protocol.Hello
	if err := decode(f, &req); err != nil {
		return err
	}
	if req.Protocol != revision.ProtocolVersion {
		return s.conn.ReplyError(ctx, f, protocol.CodeProtocolMismatch,
			fmt.Sprintf("unsupported protocol %q, want %q", req.Protocol, revision.ProtocolVersion))
	}
	s.remote = req.PeerID
	s.logger = s.peer.logger.With("remote", req.PeerID)
	s.logger.Info("replicator connected")
	return s.conn.Reply(ctx, f, protocol.TypeHello, protocol.Hello{
		PeerID:   s.peer.store.PeerID(),
		Protocol: revision.ProtocolVersion,
	})
}

func (s *session) getChanges(ctx context.Context, f protocol.Frame) error {
	var req protocol.GetChanges
	if err := decode(f, &req); err != nil {
		return err
	}
	if req.Collection == "" {
		return &badRequest{msg: "get_changes: collection is required"}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	// One extra row tells whether another page follows.
	items, err := s.peer.store.ChangesSince(ctx, req.Collection, req.Since, limit+1)
	if err != nil {
		return &storageError{err: err}
	}
	more := len(items) > limit
	if more {
		items = items[:limit]
	}
	last := req.Since
	if len(items) > 0 {
		last = items[len(items)-1].Seq
	}
	return s.conn.Reply(ctx, f, protocol.TypeChanges, protocol.Changes{
		Collection: req.Collection,
		Items:      items,
		LastSeq:    last,
		More:       more,
	})
}

func (s *session) revsDiff(ctx context.Context, f protocol.Frame) error {
	var req protocol.RevsDiff
	if err := decode(f, &req); err != nil {
		return err
	}
	missing, err := s.peer.store.Missing(ctx, req.Collection, req.Refs)
	if err != nil {
		return &storageError{err: err}
	}
	leaves := make(map[string]string, len(missing))
	for _, ref := range missing {
		leaf, err := s.peer.store.Leaf(ctx, req.Collection, ref.DocID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return &storageError{err: err}
		}
		leaves[ref.DocID] = leaf.ID
	}
	return s.conn.Reply(ctx, f, protocol.TypeRevsMissing, protocol.RevsMissing{
		Collection: req.Collection,
		Missing:    missing,
		Leaves:     leaves,
	})
}

func (s *session) getRevs(ctx context.Context, f protocol.Frame) error {
	var req protocol.GetRevs
	if err := decode(f, &req); err != nil {
		return err
	}
	limit := req.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	items := make([]protocol.RevWithHistory, 0, len(req.Refs))
	for _, ref := range req.Refs {
		rev, err := s.peer.store.Revision(ctx, req.Collection, ref.DocID, ref.RevID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return &storageError{err: err}
		}
		history, err := s.peer.store.History(ctx, req.Collection, ref.DocID, ref.RevID, limit, req.Known[ref.DocID]...)
		if err != nil {
			return &storageError{err: err}
		}
		items = append(items, protocol.RevWithHistory{Rev: rev, History: history})
	}
	return s.conn.Reply(ctx, f, protocol.TypeRevs, protocol.Revs{
		Collection: req.Collection,
		Items:      items,
	})
}

// putRevs applies fast-forwards and reports forks as conflicts.
func (s *session) putRevs(ctx context.Context, f protocol.Frame) error {
	var req protocol.PutRevs
	if err := decode(f, &req); err != nil {
		return err
	}

	results := make([]protocol.DocResult, len(req.Items))
	var writes []store.Write
	var slots []int
	for i, item := range req.Items {
		results[i] = protocol.DocResult{DocID: item.Rev.DocID, RevID: item.Rev.ID, Status: protocol.StatusOK}

		if err := revision.Verify(item.Rev); err != nil {
			results[i].Status = protocol.StatusError
			results[i].Error = err.Error()
			continue
		}

		rel, leaf, err := s.peer.store.Classify(ctx, req.Collection, item.Rev, item.History)
		if err != nil {
			return &storageError{err: err}
		}

		w := store.Write{Rev: item.Rev, History: item.History, KnownRemote: item.Rev.ID}
		switch rel {
		case store.RelationKnown:
			continue
		case store.RelationFork:
			results[i].Status = protocol.StatusConflict
			results[i].Error = fmt.Sprintf("local leaf %s is not an ancestor", leaf.ID)
			continue
		case store.RelationFastForward:
			w.ExpectedParent = leaf.ID
		}
		writes = append(writes, w)
		slots = append(slots, i)
	}

	applied, err := s.peer.store.ApplyBatch(ctx, req.Collection, s.remote, writes)
	if err != nil {
		return &storageError{err: err}
	}
	for j, res := range applied {
		i := slots[j]
		switch {
		case errors.Is(res.Err, store.ErrConflict):
			results[i].Status = protocol.StatusConflict
			results[i].Error = res.Err.Error()
		case res.Err != nil:
			results[i].Status = protocol.StatusError
			results[i].Error = res.Err.Error()
		}
	}

	s.logger.Debug("revisions pushed", "collection", req.Collection, "count", len(req.Items), "applied", len(writes))
	return s.conn.Reply(ctx, f, protocol.TypePutResult, protocol.PutResult{
		Collection: req.Collection,
		Results:    results,
	})
}

// subscribe replaces any earlier subscription of this session.
func (s *session) subscribe(ctx context.Context, f protocol.Frame) error {
	var req protocol.Subscribe
	if err := decode(f, &req); err != nil {
		return err
	}

	s.stopNotifications()
	last, err := s.peer.store.LastSequence(ctx)
	if err != nil {
		return &storageError{err: err}
	}

	nctx, cancel := context.WithCancel(s.groupCtx)
	s.unsubFeed = cancel
	for _, coll := range req.Collections {
		feed := changefeed.New(s.peer.store, coll, last, changefeed.Options{Continuous: true})
		s.group.Go(func() error {
			defer feed.Close()
			s.notifyLoop(nctx, coll, feed)
			return nil
		})
	}
	return s.conn.Reply(ctx, f, protocol.TypeOK, nil)
}

func (s *session) notifyLoop(ctx context.Context, collection string, feed *changefeed.Feed) {
	for {
		if _, err := feed.NextBatch(ctx, 0); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, changefeed.ErrClosed) {
				s.logger.Warn("notification feed stopped", "collection", collection, "error", err)
			}
			return
		}
		err := s.conn.Send(ctx, protocol.TypeNotify, protocol.Notify{
			Collection: collection,
			LastSeq:    feed.Cursor(),
		})
		if err != nil {
			return
		}
	}
}

func (s *session) stopNotifications() {
	if s.unsubFeed != nil {
		s.unsubFeed()
		s.unsubFeed = nil
	}
}
