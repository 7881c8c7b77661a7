package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_RoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	ctx := context.Background()

	frame := []byte(`{"type":"ping"}`)
	require.NoError(t, a.Send(ctx, frame))
	frame[2] = 'X' // sender owns its buffer

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(got))

	require.NoError(t, b.Send(ctx, []byte("pong")))
	got, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestPipe_ReceiveHonoursContext(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The session is still usable after a cancelled wait.
	require.NoError(t, b.Send(context.Background(), []byte("late")))
	got, err := a.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", string(got))
}

func TestPipe_Break(t *testing.T) {
	a, b := Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		done <- err
	}()

	a.Break()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBroken)
	case <-time.After(time.Second):
		t.Fatal("Break did not unblock Receive")
	}
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), ErrBroken)
}

func TestPipe_CloseBreaksPeer(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "idempotent")

	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrBroken)
}

func TestWebSocket_RoundTrip(t *testing.T) {
	serverErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Accept(w, r)
		if err != nil {
			serverErr <- err
			return
		}
		defer s.Close()
		ctx := r.Context()
		frame, err := s.Receive(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		serverErr <- s.Send(ctx, append([]byte("echo:"), frame...))
		// Hold the connection until the client closes it.
		_, _ = s.Receive(ctx)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := WebSocketDialer(url)(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Send(ctx, []byte("hello")))
	got, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(got))
	require.NoError(t, <-serverErr)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Send(ctx, []byte("late")), ErrClosed)
}
