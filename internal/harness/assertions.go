package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/docsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the harness stores and
// returns the failure messages.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertConverged:
			err = h.assertConverged(ctx, a)
		case AssertLeafGeneration:
			err = h.assertLeafGeneration(ctx, a)
		case AssertDeleted:
			err = h.assertDeleted(ctx, a)
		case AssertPendingCount:
			err = h.assertPendingCount(ctx, a)
		case AssertConflictCount:
			err = h.assertConflictCount(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// assertConverged compares leaf ids across peers.
func (h *Harness) assertConverged(ctx context.Context, a Assertion) error {
	peers := a.Peers
	if len(peers) == 0 {
		peers = h.scenario.Peers
	}
	coll := h.collection(a.Collection)

	leaves := make([]map[string]string, len(peers))
	for i, name := range peers {
		all, err := h.peers[name].store.Leaves(ctx, coll)
		if err != nil {
			return err
		}
		if a.Doc != "" {
			all = map[string]string{a.Doc: all[a.Doc]}
		}
		leaves[i] = all
	}

	for i := 1; i < len(peers); i++ {
		if diff := diffLeaves(leaves[0], leaves[i]); diff != "" {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s and %s hold the same leaves in %s", peers[0], peers[i], coll),
				Actual:   diff,
			}
		}
	}
	return nil
}

func diffLeaves(a, b map[string]string) string {
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var diffs []string
	for _, k := range sorted {
		if a[k] != b[k] {
			diffs = append(diffs, fmt.Sprintf("%s: %q vs %q", k, a[k], b[k]))
		}
	}
	return strings.Join(diffs, "; ")
}

func (h *Harness) assertLeafGeneration(ctx context.Context, a Assertion) error {
	coll := h.collection(a.Collection)
	leaf, err := h.peers[a.Peer].store.Leaf(ctx, coll, a.Doc)
	if err != nil {
		return leafError(AssertLeafGeneration, a, err)
	}
	if leaf.Generation != a.Generation {
		return &AssertionError{
			Type:     AssertLeafGeneration,
			Expected: fmt.Sprintf("%s/%s on %s at generation %d", coll, a.Doc, a.Peer, a.Generation),
			Actual:   fmt.Sprintf("generation %d (%s)", leaf.Generation, leaf.ID),
		}
	}
	return nil
}

func (h *Harness) assertDeleted(ctx context.Context, a Assertion) error {
	coll := h.collection(a.Collection)
	leaf, err := h.peers[a.Peer].store.Leaf(ctx, coll, a.Doc)
	if err != nil {
		return leafError(AssertDeleted, a, err)
	}
	if !leaf.Deleted {
		return &AssertionError{
			Type:     AssertDeleted,
			Expected: fmt.Sprintf("%s/%s on %s is deleted", coll, a.Doc, a.Peer),
			Actual:   fmt.Sprintf("live revision %s", leaf.ID),
		}
	}
	return nil
}

func leafError(typ string, a Assertion, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("document %s on %s", a.Doc, a.Peer),
			Actual:   "not found",
		}
	}
	return err
}

func (h *Harness) assertPendingCount(ctx context.Context, a Assertion) error {
	coll := h.collection(a.Collection)
	ids, err := h.peers[a.Peer].store.PendingDocumentIDs(ctx, "pipe://"+a.Remote, coll)
	if err != nil {
		return err
	}
	if len(ids) != a.Count {
		return &AssertionError{
			Type:     AssertPendingCount,
			Expected: fmt.Sprintf("%d documents of %s pending from %s to %s", a.Count, coll, a.Peer, a.Remote),
			Actual:   fmt.Sprintf("%d pending: %v", len(ids), ids),
		}
	}
	return nil
}

func (h *Harness) assertConflictCount(ctx context.Context, a Assertion) error {
	total := 0
	for _, coll := range h.scenario.collections() {
		if a.Collection != "" && coll != a.Collection {
			continue
		}
		n, err := h.peers[a.Peer].store.ConflictCount(ctx, coll)
		if err != nil {
			return err
		}
		total += n
	}
	if total != a.Count {
		return &AssertionError{
			Type:     AssertConflictCount,
			Expected: fmt.Sprintf("%d unresolved conflicts on %s", a.Count, a.Peer),
			Actual:   fmt.Sprintf("%d", total),
		}
	}
	return nil
}
