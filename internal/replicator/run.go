package replicator

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/docsync/internal/eventbus"
	"github.com/roach88/docsync/internal/protocol"
	"github.com/roach88/docsync/internal/revision"
)

// run is the protocol goroutine of one Start..stopped cycle.
func (r *Replicator) run(ctx context.Context, reset bool) {
	defer r.finish()

	if err := r.loadCheckpoints(ctx, reset); err != nil {
		if ctx.Err() == nil {
			r.fail(err)
		}
		return
	}

	failures := 0
	for {
		if r.isSuspended() {
			r.setState(eventbus.StateOffline, nil)
			select {
			case <-ctx.Done():
				return
			case <-r.resume:
			}
			continue
		}

		r.setState(eventbus.StateConnecting, nil)
		connected, err := r.session(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			return
		case r.isSuspended():
			continue
		case !IsTransportError(err):
			r.fail(err)
			return
		}

		if connected {
			failures = 0
		}
		failures++
		if !r.cfg.Continuous && failures > r.cfg.MaxRetries {
			r.fail(err)
			return
		}

		delay := r.backoff(failures)
		r.logger.Warn("replication interrupted", "error", err, "attempt", failures, "retry_in", delay)
		if r.cfg.Continuous {
			r.setState(eventbus.StateOffline, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.resume:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// backoff returns the delay before reconnect attempt n (1-based).
func (r *Replicator) backoff(n int) time.Duration {
	delay := r.cfg.RetryBase
	for i := 1; i < n && delay < r.cfg.RetryMax; i++ {
		delay *= 2
	}
	return min(delay, r.cfg.RetryMax)
}

// session connects once and replicates until the run ends, the connection
// fails, or (one-shot) a full round moves nothing. connected reports whether
// the hello exchange succeeded.
func (r *Replicator) session(ctx context.Context) (connected bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.sessionStop = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.sessionStop = nil
		r.mu.Unlock()
	}()

	dctx, dcancel := context.WithTimeout(sctx, r.cfg.ConnectTimeout)
	sess, err := r.cfg.Dialer(dctx)
	dcancel()
	if err != nil {
		return false, &Error{Code: CodeTransport, Message: "connect failed", Err: err}
	}
	conn := protocol.NewConn(sess, r.logger)
	defer conn.Close()

	var hello protocol.Hello
	if err := r.call(sctx, conn, protocol.TypeHello, protocol.Hello{
		PeerID:   r.cfg.Store.PeerID(),
		Protocol: revision.ProtocolVersion,
	}, &hello); err != nil {
		return false, remoteError("hello", err)
	}
	r.setServerPeer(hello.PeerID)
	r.logger.Info("connected", "server_peer", hello.PeerID)

	remoteChanged := make(chan struct{}, 1)
	go r.drainIncoming(sctx, conn, remoteChanged)

	var localChanged <-chan struct{}
	if r.cfg.Continuous {
		if r.cfg.Direction.pulls() {
			if err := r.call(sctx, conn, protocol.TypeSubscribe, protocol.Subscribe{Collections: r.cfg.Collections}, nil); err != nil {
				return true, remoteError("subscribe", err)
			}
		}
		if r.cfg.Direction.pushes() {
			ch, unsubscribe := r.cfg.Store.Subscribe()
			defer unsubscribe()
			localChanged = ch
		}
	}

	r.setState(eventbus.StateCatchingUp, nil)
	r.caughtUp()
	for {
		moved, err := r.round(sctx, conn)
		if err != nil {
			return true, err
		}
		if moved > 0 {
			continue
		}
		if !r.cfg.Continuous {
			return true, nil
		}
		r.setState(eventbus.StateIdle, nil)
		if err := r.idle(sctx, conn, localChanged, remoteChanged); err != nil {
			return true, err
		}
	}
}

// round runs one pull and push pass over every collection and returns how
// many documents moved.
func (r *Replicator) round(ctx context.Context, conn *protocol.Conn) (int, error) {
	moved := 0
	for _, coll := range r.cfg.Collections {
		if r.cfg.Direction.pulls() {
			n, err := r.retryConflicts(ctx, coll)
			moved += n
			if err != nil {
				return moved, err
			}
			n, err = r.pull(ctx, conn, coll)
			moved += n
			if err != nil {
				return moved, err
			}
		}
		if r.cfg.Direction.pushes() {
			n, err := r.push(ctx, conn, coll)
			moved += n
			if err != nil {
				return moved, err
			}
		}
	}
	return moved, nil
}

// idle waits for a local commit, a remote notification or a dead link.
// The keep-alive ping bounds how long a silent link can go unnoticed.
func (r *Replicator) idle(ctx context.Context, conn *protocol.Conn, local, remote <-chan struct{}) error {
	keepAlive := time.NewTicker(r.cfg.KeepAlive)
	defer keepAlive.Stop()

	var flush <-chan time.Time
	if d, ok := r.nextFlush(); ok {
		t := time.NewTimer(d)
		defer t.Stop()
		flush = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return &Error{Code: CodeTransport, Message: "connection lost", Err: conn.Err()}
		case <-local:
			return nil
		case <-remote:
			return nil
		case <-flush:
			flush = nil
			if err := r.saveDirty(ctx); err != nil {
				return err
			}
		case <-keepAlive.C:
			if err := r.call(ctx, conn, protocol.TypePing, nil, nil); err != nil {
				return remoteError("keep-alive", err)
			}
		}
	}
}

// drainIncoming consumes unsolicited frames so replies keep flowing, and
// turns notify frames into a coalesced wake-up signal.
func (r *Replicator) drainIncoming(ctx context.Context, conn *protocol.Conn, changed chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case f := <-conn.Incoming():
			switch {
			case f.Type == protocol.TypeNotify:
				select {
				case changed <- struct{}{}:
				default:
				}
			case f.ID != 0:
				_ = conn.ReplyError(ctx, f, protocol.CodeUnknownType, "active peer does not serve "+f.Type)
			}
		}
	}
}

func (r *Replicator) call(ctx context.Context, conn *protocol.Conn, typ string, body, out any) error {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	_, err := conn.Call(cctx, typ, body, out)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		r.logger.Warn("request timed out", "type", typ, "timeout", r.cfg.RequestTimeout)
	}
	return err
}
