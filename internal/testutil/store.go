package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

// OpenStore opens a fresh file-backed store under t.TempDir and closes it
// when the test ends.
func OpenStore(t testing.TB, name string) *store.Store {
	t.Helper()
	if name == "" {
		name = "store"
	}
	s, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("store.Open(%s) failed: %v", name, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Save writes a local edit or fails the test.
func Save(t testing.TB, s *store.Store, collection, docID string, body revision.Object) revision.Revision {
	t.Helper()
	r, err := s.SaveDocument(context.Background(), collection, docID, body)
	if err != nil {
		t.Fatalf("SaveDocument(%s/%s) failed: %v", collection, docID, err)
	}
	return r
}

// Leaf returns the current leaf or fails the test.
func Leaf(t testing.TB, s *store.Store, collection, docID string) revision.Revision {
	t.Helper()
	r, err := s.Leaf(context.Background(), collection, docID)
	if err != nil {
		t.Fatalf("Leaf(%s/%s) failed: %v", collection, docID, err)
	}
	return r
}

// Body builds a document body from alternating keys and values. Values may
// be string, int, int64, bool or nil.
func Body(kv ...any) revision.Object {
	if len(kv)%2 != 0 {
		panic("testutil.Body: odd number of arguments")
	}
	obj := revision.Object{}
	for i := 0; i < len(kv); i += 2 {
		key := kv[i].(string)
		switch v := kv[i+1].(type) {
		case string:
			obj[key] = revision.String(v)
		case int:
			obj[key] = revision.Int(v)
		case int64:
			obj[key] = revision.Int(v)
		case bool:
			obj[key] = revision.Bool(v)
		case nil:
			obj[key] = revision.Null{}
		default:
			panic(fmt.Sprintf("testutil.Body: unsupported value %T for %q", v, key))
		}
	}
	return obj
}

// Logger returns a logger that drops everything.
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
