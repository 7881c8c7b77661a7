package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_SignalsOnCommit(t *testing.T) {
	s := createTestStore(t)

	ch, cancel := s.Subscribe()
	defer cancel()

	mustSave(t, s, "doc-1", body("v", 1))
	mustSave(t, s, "doc-1", body("v", 2))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no commit signal")
	}

	// Signals coalesce: at most one more is buffered.
	select {
	case <-ch:
		t.Fatal("expected coalesced signal")
	default:
	}
}

func TestSubscribe_NoSignalForNoop(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := mustSave(t, s, "doc-1", body("v", 1))

	ch, cancel := s.Subscribe()
	defer cancel()

	_, err := s.Put(ctx, testCollection, r, "")
	require.NoError(t, err)

	select {
	case <-ch:
		t.Fatal("idempotent re-apply must not signal")
	default:
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	s := createTestStore(t)

	ch, cancel := s.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
}

func TestSubscribe_AfterClose(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Close())

	ch, _ := s.Subscribe()
	_, ok := <-ch
	assert.False(t, ok)
}
