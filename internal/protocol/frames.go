// Package protocol defines the replication wire protocol.
//
// Every message is one JSON frame {type, id, reply_to, body}. Requests carry
// a non-zero id; the answer echoes it in reply_to. Frames without reply_to
// are requests or unsolicited notifications.
//
// The active peer drives replication:
//
//	hello       -> hello          exchange peer ids and protocol version
//	get_changes -> changes        remote feed page since a cursor
//	revs_diff   -> revs_missing   which of my revisions the remote lacks
//	get_revs    -> revs           revisions with ancestry
//	put_revs    -> put_result     push revisions; forks come back as conflicts
//	subscribe   -> ok             ask for notify frames on commit
//	ping        -> pong           keep-alive
//
// Any request may be answered with an error frame.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

// Frame types.
const (
	TypeHello       = "hello"
	TypeGetChanges  = "get_changes"
	TypeChanges     = "changes"
	TypeRevsDiff    = "revs_diff"
	TypeRevsMissing = "revs_missing"
	TypeGetRevs     = "get_revs"
	TypeRevs        = "revs"
	TypePutRevs     = "put_revs"
	TypePutResult   = "put_result"
	TypeSubscribe   = "subscribe"
	TypeOK          = "ok"
	TypeNotify      = "notify"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Error codes carried by error frames.
const (
	CodeBadRequest       = "bad_request"
	CodeProtocolMismatch = "protocol_mismatch"
	CodeUnknownType      = "unknown_type"
	CodeStorage          = "storage"
)

// Per-document put statuses.
const (
	StatusOK       = "ok"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// Frame is the envelope of every message.
type Frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	ReplyTo uint64          `json:"reply_to,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Decode unmarshals the frame body into out.
func (f Frame) Decode(out any) error {
	if len(f.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Body, out); err != nil {
		return fmt.Errorf("decode %s body: %w", f.Type, err)
	}
	return nil
}

// Hello is exchanged once per session.
type Hello struct {
	PeerID   string `json:"peer_id"`
	Protocol string `json:"protocol"`
}

// GetChanges asks for a page of the remote changes feed.
type GetChanges struct {
	Collection string `json:"collection"`
	Since      int64  `json:"since"`
	Limit      int    `json:"limit"`
}

// Changes is a page of the changes feed. LastSeq is the cursor to resume
// from; More reports whether another page is already available.
type Changes struct {
	Collection string         `json:"collection"`
	Items      []store.Change `json:"items"`
	LastSeq    int64          `json:"last_seq"`
	More       bool           `json:"more"`
}

// RevsDiff lists revisions the sender holds.
type RevsDiff struct {
	Collection string      `json:"collection"`
	Refs       []store.Ref `json:"refs"`
}

// RevsMissing lists the subset of a RevsDiff the receiver lacks. Leaves
// maps each missing document the receiver already has to its leaf, so the
// sender knows how far back to send history.
type RevsMissing struct {
	Collection string            `json:"collection"`
	Missing    []store.Ref       `json:"missing"`
	Leaves     map[string]string `json:"leaves,omitempty"`
}

// GetRevs requests revisions with up to HistoryLimit ancestors each. Known
// lists, per document, revisions the requester holds; history then reaches
// back to them whatever the limit.
type GetRevs struct {
	Collection   string              `json:"collection"`
	Refs         []store.Ref         `json:"refs"`
	HistoryLimit int                 `json:"history_limit"`
	Known        map[string][]string `json:"known,omitempty"`
}

// RevWithHistory is a revision plus the ancestors needed to place it.
type RevWithHistory struct {
	Rev     revision.Revision   `json:"rev"`
	History []revision.Revision `json:"history,omitempty"`
}

// Revs answers GetRevs. Refs the sender no longer has are omitted.
type Revs struct {
	Collection string           `json:"collection"`
	Items      []RevWithHistory `json:"items"`
}

// PutRevs pushes revisions to the passive peer.
type PutRevs struct {
	Collection string           `json:"collection"`
	Items      []RevWithHistory `json:"items"`
}

// DocResult is the outcome of one pushed revision.
type DocResult struct {
	DocID  string `json:"doc_id"`
	RevID  string `json:"rev_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PutResult answers PutRevs, one result per item in order.
type PutResult struct {
	Collection string      `json:"collection"`
	Results    []DocResult `json:"results"`
}

// Subscribe asks the passive peer to send Notify frames.
type Subscribe struct {
	Collections []string `json:"collections"`
}

// Notify announces new commits on the passive peer.
type Notify struct {
	Collection string `json:"collection"`
	LastSeq    int64  `json:"last_seq"`
}

// ErrorBody is the body of an error frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is returned by Call when the remote answers with an error frame.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}
