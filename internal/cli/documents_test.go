package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	db := tempDB(t, "local")

	out, _, err := execute(t, "put", "--db", db, "-C", "notes", "A", `{"title":"draft","tags":["x"]}`)
	require.NoError(t, err)
	assert.Regexp(t, `^notes/A 1-[0-9a-f]+\n\{"tags":\["x"\],"title":"draft"\}\n$`, out)

	out, _, err = execute(t, "--format", "json", "get", "--db", db, "-C", "notes", "A")
	require.NoError(t, err)
	var resp struct {
		Status string         `json:"status"`
		Data   DocumentResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "A", resp.Data.DocID)
	assert.Equal(t, int64(1), resp.Data.Generation)
	assert.Contains(t, resp.Data.Body, "title")

	out, _, err = execute(t, "delete", "--db", db, "-C", "notes", "A")
	require.NoError(t, err)
	assert.Regexp(t, `^notes/A 2-[0-9a-f]+ \(deleted\)\n$`, out)

	leaf := openDB(t, db)
	rev, err := leaf.Leaf(t.Context(), "notes", "A")
	require.NoError(t, err)
	assert.True(t, rev.Deleted)
	assert.Equal(t, int64(2), rev.Generation)
}

func TestPut_BodyFromStdin(t *testing.T) {
	db := tempDB(t, "local")

	out, _, err := executeWithInput(t, `{"n": 7}`, "put", "--db", db, "-C", "notes", "B")
	require.NoError(t, err)
	assert.Contains(t, out, `{"n":7}`)
}

func TestPut_RejectsInvalidBody(t *testing.T) {
	db := tempDB(t, "local")

	tests := map[string]string{
		"float":      `{"ratio": 0.5}`,
		"not object": `[1, 2]`,
		"malformed":  `{"a":`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := execute(t, "put", "--db", db, "-C", "notes", "A", body)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), "invalid body")
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	db := tempDB(t, "local")

	out, _, err := execute(t, "--format", "json", "get", "--db", db, "-C", "notes", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
	assert.Equal(t, "document notes/missing not found", resp.Error.Message)
}

func TestDocumentCommands_RequireCollection(t *testing.T) {
	_, _, err := execute(t, "get", "--db", tempDB(t, "local"), "A")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "collection" not set`)
}
