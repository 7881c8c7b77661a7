package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// maxFrameSize bounds a single replication frame.
const maxFrameSize = 32 << 20

// WebSocket is a Session over a websocket connection. Frames travel as text
// messages.
type WebSocket struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(maxFrameSize)
	return &WebSocket{conn: conn}
}

// Dial connects to a passive peer at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWebSocket(conn), nil
}

// WebSocketDialer returns a Dialer for url.
func WebSocketDialer(url string) Dialer {
	return func(ctx context.Context) (Session, error) {
		return Dial(ctx, url)
	}
}

// Accept upgrades an HTTP request to a websocket session.
func Accept(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("accept websocket: %w", err)
	}
	return newWebSocket(conn), nil
}

// Subprotocol is negotiated on every websocket session.
const Subprotocol = "docsync.v1"

func (s *WebSocket) Send(ctx context.Context, frame []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return s.wrap(ctx, err)
	}
	return nil
}

// Receive reads one frame. Cancelling ctx closes the underlying connection.
func (s *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return data, nil
}

func (s *WebSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Closing an already failed connection reports the earlier failure,
	// which the caller has seen from Send or Receive.
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

func (s *WebSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *WebSocket) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.isClosed() {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrBroken, err)
}
