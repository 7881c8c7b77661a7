// Package transport carries whole replication frames between two peers.
//
// A Session is a reliable, ordered, bidirectional message channel. Receive
// blocks until a frame arrives, the context is done, or the session closes;
// a cancelled Receive never leaves a partial frame behind.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("transport session closed")

	// ErrBroken is returned after the link was severed, locally or by the
	// remote end.
	ErrBroken = errors.New("transport link broken")
)

// Session is one connection to a remote peer.
type Session interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a new session to the replication target. The replicator calls
// it on every (re)connect.
type Dialer func(ctx context.Context) (Session, error)
