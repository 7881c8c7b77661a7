package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

// DocumentOptions holds flags shared by put, get and delete.
type DocumentOptions struct {
	*RootOptions
	Database   string
	Collection string
}

// DocumentResult describes one document revision.
type DocumentResult struct {
	Collection string          `json:"collection"`
	DocID      string          `json:"doc_id"`
	RevID      string          `json:"rev_id"`
	Generation int64           `json:"generation"`
	Deleted    bool            `json:"deleted,omitempty"`
	Body       revision.Object `json:"body,omitempty"`
}

// String renders the revision line, followed by the canonical body for live
// documents.
func (d DocumentResult) String() string {
	if d.Deleted {
		return fmt.Sprintf("%s/%s %s (deleted)", d.Collection, d.DocID, d.RevID)
	}
	line := fmt.Sprintf("%s/%s %s", d.Collection, d.DocID, d.RevID)
	data, err := revision.MarshalCanonical(d.Body)
	if err != nil {
		return line
	}
	return line + "\n" + string(data)
}

func documentResult(collection string, rev revision.Revision) DocumentResult {
	return DocumentResult{
		Collection: collection,
		DocID:      rev.DocID,
		RevID:      rev.ID,
		Generation: rev.Generation,
		Deleted:    rev.Deleted,
		Body:       rev.Body,
	}
}

func addDocumentFlags(cmd *cobra.Command, opts *DocumentOptions) {
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVarP(&opts.Collection, "collection", "C", "", "collection name (required)")
	_ = cmd.MarkFlagRequired("collection")
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <doc-id> [json-body]",
		Short: "Save a document locally",
		Long: `Save a new revision of a document. The body is a JSON object given as an
argument or on stdin; floats are rejected.

Examples:
  docsync put --db ./local.db -C notes A '{"title":"draft"}'
  echo '{"title":"draft"}' | docsync put --db ./local.db -C notes A`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 2 {
				data = []byte(args[1])
			} else {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return WrapExitError(ExitCommandError, "failed to read body", err)
				}
			}
			body, err := revision.ParseBody(data)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid body", err)
			}
			return withDocumentStore(opts, cmd, args[0], func(st *store.Store) (revision.Revision, error) {
				return st.SaveDocument(cmd.Context(), opts.Collection, args[0], body)
			})
		},
	}
	addDocumentFlags(cmd, opts)
	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "get <doc-id>",
		Short:         "Print the leaf revision of a document",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDocumentStore(opts, cmd, args[0], func(st *store.Store) (revision.Revision, error) {
				return st.Leaf(cmd.Context(), opts.Collection, args[0])
			})
		},
	}
	addDocumentFlags(cmd, opts)
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "delete <doc-id>",
		Short:         "Delete a document locally",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDocumentStore(opts, cmd, args[0], func(st *store.Store) (revision.Revision, error) {
				return st.DeleteDocument(cmd.Context(), opts.Collection, args[0])
			})
		},
	}
	addDocumentFlags(cmd, opts)
	return cmd
}

// withDocumentStore opens the store, runs op and prints the revision it
// returns.
func withDocumentStore(opts *DocumentOptions, cmd *cobra.Command, docID string, op func(*store.Store) (revision.Revision, error)) error {
	f, restore, err := settings(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer restore()
	overrideString(cmd, "db", &f.Database, opts.Database)

	st, err := openStore(f.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	out := formatter(opts.RootOptions, cmd)
	rev, err := op(st)
	if errors.Is(err, store.ErrNotFound) {
		_ = out.Error(CodeNotFound, fmt.Sprintf("document %s/%s not found", opts.Collection, docID), nil)
		return WrapExitError(ExitFailure, "document not found", err)
	}
	if err != nil {
		_ = out.Error(ErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "document operation failed", err)
	}
	return out.Success(documentResult(opts.Collection, rev))
}
