package changefeed

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

const collection = "notes"

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func save(t *testing.T, s *store.Store, docID string, v int) {
	t.Helper()
	_, err := s.SaveDocument(context.Background(), collection, docID, revision.Object{"v": revision.Int(v)})
	require.NoError(t, err)
}

func TestOneShot_DeliversInOrderThenExhausts(t *testing.T) {
	s := openStore(t)
	save(t, s, "a", 1)
	save(t, s, "b", 1)
	save(t, s, "c", 1)

	f := New(s, collection, 0, Options{PageSize: 2})
	defer f.Close()
	ctx := context.Background()

	var ids []string
	for {
		c, err := f.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			break
		}
		require.NoError(t, err)
		ids = append(ids, c.DocID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, int64(3), f.Cursor())
}

func TestOneShot_ResumesFromCursor(t *testing.T) {
	s := openStore(t)
	save(t, s, "a", 1)
	save(t, s, "b", 1)

	f := New(s, collection, 1, Options{})
	batch, err := f.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "b", batch[0].DocID)

	_, err = f.NextBatch(context.Background(), 10)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestNextBatch_RespectsMax(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		save(t, s, id, 1)
	}

	f := New(s, collection, 0, Options{PageSize: 10})
	batch, err := f.NextBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, int64(2), f.Cursor())

	batch, err = f.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, batch, 3, "buffered remainder")
}

func TestContinuous_WakesOnCommit(t *testing.T) {
	s := openStore(t)
	save(t, s, "a", 1)

	f := New(s, collection, 0, Options{Continuous: true})
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.DocID)

	got := make(chan store.Change, 1)
	errs := make(chan error, 1)
	go func() {
		c, err := f.Next(ctx)
		if err != nil {
			errs <- err
			return
		}
		got <- c
	}()

	save(t, s, "b", 1)

	select {
	case c := <-got:
		assert.Equal(t, "b", c.DocID)
		assert.Equal(t, int64(2), c.Seq)
	case err := <-errs:
		t.Fatalf("Next() failed: %v", err)
	case <-ctx.Done():
		t.Fatal("continuous feed did not wake")
	}
}

func TestContinuous_ContextCancel(t *testing.T) {
	s := openStore(t)
	f := New(s, collection, 0, Options{Continuous: true})
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	s := openStore(t)
	f := New(s, collection, 0, Options{Continuous: true})
	f.Close()
	f.Close()

	_, err := f.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
