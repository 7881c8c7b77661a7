package store

import (
	"fmt"

	"github.com/roach88/docsync/internal/revision"
)

// marshalBody converts a body to canonical JSON TEXT for storage.
// Canonical form keeps the stored text identical across peers.
func marshalBody(body revision.Object) (string, error) {
	if body == nil {
		body = revision.Object{}
	}
	data, err := revision.MarshalCanonical(body)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	return string(data), nil
}

// unmarshalBody parses stored JSON TEXT back into a body.
func unmarshalBody(data string) (revision.Object, error) {
	if data == "" || data == "{}" {
		return revision.Object{}, nil
	}
	body, err := revision.ParseBody([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	return body, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const revisionColumns = `doc_id, rev_id, generation, digest, deleted, parent_id, merge_parent_id, body`

func scanRevision(row rowScanner) (revision.Revision, error) {
	var (
		r       revision.Revision
		deleted int
		body    string
	)
	if err := row.Scan(&r.DocID, &r.ID, &r.Generation, &r.Digest, &deleted, &r.Parent, &r.MergeParent, &body); err != nil {
		return revision.Revision{}, err
	}
	r.Deleted = deleted != 0
	parsed, err := unmarshalBody(body)
	if err != nil {
		return revision.Revision{}, fmt.Errorf("revision %s: %w", r.ID, err)
	}
	r.Body = parsed
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
