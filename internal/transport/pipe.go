package transport

import (
	"context"
	"sync"
)

// link is the shared state of a connected pipe pair.
type link struct {
	once   sync.Once
	broken chan struct{}
}

func (l *link) sever() {
	l.once.Do(func() { close(l.broken) })
}

// PipeEnd is one side of an in-memory session pair.
type PipeEnd struct {
	link *link
	in   <-chan []byte
	out  chan<- []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Pipe returns two connected in-memory sessions. Frames are copied on send.
func Pipe() (*PipeEnd, *PipeEnd) {
	const buffer = 64
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	l := &link{broken: make(chan struct{})}
	a := &PipeEnd{link: l, in: ba, out: ab, closed: make(chan struct{})}
	b := &PipeEnd{link: l, in: ab, out: ba, closed: make(chan struct{})}
	return a, b
}

func (p *PipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := p.state(); err != nil {
		return err
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.out <- buf:
		return nil
	case <-p.link.broken:
		return ErrBroken
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	if err := p.state(); err != nil {
		return nil, err
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.link.broken:
		return nil, ErrBroken
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeEnd) state() error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.link.broken:
		return ErrBroken
	default:
		return nil
	}
}

// Close closes this end and severs the link, so the other end observes
// ErrBroken.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.link.sever()
	})
	return nil
}

// Break severs the link without closing either end, simulating a network
// failure. Both ends return ErrBroken from then on.
func (p *PipeEnd) Break() {
	p.link.sever()
}
