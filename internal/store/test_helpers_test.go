package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/docsync/internal/revision"
)

const testCollection = "notes"

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustRev builds a revision on top of parent or fails the test.
func mustRev(t *testing.T, docID string, parent *revision.Revision, body revision.Object) revision.Revision {
	t.Helper()
	r, err := revision.New(docID, parent, body, false)
	if err != nil {
		t.Fatalf("revision.New() failed: %v", err)
	}
	return r
}

// mustSave writes a local edit or fails the test.
func mustSave(t *testing.T, s *Store, docID string, body revision.Object) revision.Revision {
	t.Helper()
	r, err := s.SaveDocument(context.Background(), testCollection, docID, body)
	if err != nil {
		t.Fatalf("SaveDocument(%q) failed: %v", docID, err)
	}
	return r
}

func body(kv ...any) revision.Object {
	obj := revision.Object{}
	for i := 0; i+1 < len(kv); i += 2 {
		key := kv[i].(string)
		switch v := kv[i+1].(type) {
		case string:
			obj[key] = revision.String(v)
		case int:
			obj[key] = revision.Int(v)
		case bool:
			obj[key] = revision.Bool(v)
		}
	}
	return obj
}
