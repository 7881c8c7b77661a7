package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/docsync/internal/transport"
)

// ErrConnClosed is returned by calls on a connection whose session ended.
var ErrConnClosed = errors.New("protocol connection closed")

const incomingBuffer = 64

// Conn multiplexes request/response calls and unsolicited frames over one
// transport session.
//
// A reader goroutine owns Receive. Replies are routed to the waiting Call by
// reply_to; everything else lands on Incoming, which the owner must drain.
type Conn struct {
	sess   transport.Session
	logger *slog.Logger

	nextID atomic.Uint64
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Frame

	incoming chan Frame
	done     chan struct{}
	err      error
	errOnce  sync.Once

	cancel context.CancelFunc
}

// NewConn starts reading from sess. Close stops the reader and closes sess.
func NewConn(sess transport.Session, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		sess:     sess,
		logger:   logger,
		pending:  make(map[uint64]chan Frame),
		incoming: make(chan Frame, incomingBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go c.readLoop(ctx)
	return c
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		data, err := c.sess.Receive(ctx)
		if err != nil {
			c.fail(err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.fail(fmt.Errorf("decode frame: %w", err))
			return
		}

		if f.ReplyTo != 0 {
			c.mu.Lock()
			ch, ok := c.pending[f.ReplyTo]
			delete(c.pending, f.ReplyTo)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("dropping reply with no waiter", "type", f.Type, "reply_to", f.ReplyTo)
				continue
			}
			ch <- f // buffered, never blocks
			continue
		}

		select {
		case c.incoming <- f:
		case <-c.done:
			return
		}
	}
}

// fail records the first terminal error and wakes every waiter.
func (c *Conn) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Incoming delivers requests and notifications from the remote.
func (c *Conn) Incoming() <-chan Frame {
	return c.incoming
}

// Done is closed when the connection fails or is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Call sends a request and waits for its reply. An error frame reply is
// returned as *RemoteError. out may be nil.
func (c *Conn) Call(ctx context.Context, typ string, body any, out any) (Frame, error) {
	id := c.nextID.Add(1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, Frame{Type: typ, ID: id}, body); err != nil {
		return Frame{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == TypeError {
			var eb ErrorBody
			if err := reply.Decode(&eb); err != nil {
				return reply, err
			}
			return reply, &RemoteError{Code: eb.Code, Message: eb.Message}
		}
		if out != nil {
			if err := reply.Decode(out); err != nil {
				return reply, err
			}
		}
		return reply, nil
	case <-c.done:
		return Frame{}, fmt.Errorf("%s: %w: %w", typ, ErrConnClosed, c.err)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Send writes a frame that expects no reply.
func (c *Conn) Send(ctx context.Context, typ string, body any) error {
	return c.write(ctx, Frame{Type: typ}, body)
}

// Reply answers req.
func (c *Conn) Reply(ctx context.Context, req Frame, typ string, body any) error {
	return c.write(ctx, Frame{Type: typ, ReplyTo: req.ID}, body)
}

// ReplyError answers req with an error frame.
func (c *Conn) ReplyError(ctx context.Context, req Frame, code, message string) error {
	return c.Reply(ctx, req, TypeError, ErrorBody{Code: code, Message: message})
}

func (c *Conn) write(ctx context.Context, f Frame, body any) error {
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", f.Type, err)
		}
		f.Body = raw
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("%s: %w: %w", f.Type, ErrConnClosed, c.err)
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.sess.Send(ctx, data); err != nil {
		if ctx.Err() == nil {
			c.fail(err)
		}
		return fmt.Errorf("send %s: %w", f.Type, err)
	}
	return nil
}

// Close ends the connection and the underlying session.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	c.cancel()
	return c.sess.Close()
}
