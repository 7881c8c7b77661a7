package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document or revision does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write's expected parent is not the
	// document's current leaf.
	ErrConflict = errors.New("revision conflict")

	// ErrHistoryTooLong is returned when a walk over a document's revision
	// graph exceeds its step bound.
	ErrHistoryTooLong = errors.New("revision history too long to walk")
)

// ConflictError reports a failed compare-and-swap on a document leaf.
type ConflictError struct {
	Collection     string
	DocID          string
	ExpectedParent string
	CurrentLeaf    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s/%s: expected parent %q, current leaf %q",
		e.Collection, e.DocID, e.ExpectedParent, e.CurrentLeaf)
}

// Is makes errors.Is(err, ErrConflict) hold for *ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
