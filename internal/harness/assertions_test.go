package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffLeaves(t *testing.T) {
	assert.Empty(t, diffLeaves(map[string]string{"a": "1-x"}, map[string]string{"a": "1-x"}))
	assert.Empty(t, diffLeaves(nil, map[string]string{}))

	got := diffLeaves(
		map[string]string{"a": "1-x", "b": "2-y"},
		map[string]string{"a": "1-x", "c": "1-z"},
	)
	assert.Equal(t, `b: "2-y" vs ""; c: "" vs "1-z"`, got)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{Type: AssertDeleted, Expected: "notes/A on b is deleted", Actual: "live revision 2-abc"}
	assert.Equal(t,
		"Assertion failed: deleted\n  Expected: notes/A on b is deleted\n  Actual: live revision 2-abc",
		err.Error())
}
