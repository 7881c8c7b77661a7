package replicator

import (
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/protocol"
)

// ErrorCode categorizes replication errors.
type ErrorCode string

const (
	// CodeConfiguration marks an invalid replication setup. Fatal; rejected
	// at Start or when the remote refuses the session.
	CodeConfiguration ErrorCode = "CONFIGURATION"

	// CodeTransport marks a lost or failed connection. Continuous
	// replications go offline and retry; one-shot replications stop once
	// retries are exhausted.
	CodeTransport ErrorCode = "TRANSPORT"

	// CodeConflictResolution marks a resolver failure for one document.
	// Never fatal; the conflict is retried next cycle.
	CodeConflictResolution ErrorCode = "CONFLICT_RESOLUTION"

	// CodeStorage marks a revision or checkpoint store failure. Fatal to
	// the current run.
	CodeStorage ErrorCode = "STORAGE"
)

var (
	// ErrAlreadyRunning is returned by Start unless the replicator is
	// stopped, or when another replicator with the same identity runs.
	ErrAlreadyRunning = errors.New("replicator already running")

	// ErrNotParticipating is returned for collections outside the
	// configured replication.
	ErrNotParticipating = errors.New("collection is not part of this replication")

	// ErrPullOnly is returned when asking a pull-only replicator for
	// pending documents.
	ErrPullOnly = errors.New("pending documents are not tracked by pull-only replications")

	// ErrNotContinuous is returned when suspending a one-shot replicator,
	// which has no offline state to wait in.
	ErrNotContinuous = errors.New("only continuous replications can be suspended")
)

// Error is a categorized replication error. Collection and DocID are set for
// per-document failures.
type Error struct {
	Code       ErrorCode
	Message    string
	Collection string
	DocID      string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.DocID != "" {
		msg = fmt.Sprintf("%s (doc=%s/%s)", msg, e.Collection, e.DocID)
	} else if e.Collection != "" {
		msg = fmt.Sprintf("%s (collection=%s)", msg, e.Collection)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool { return hasCode(err, CodeConfiguration) }

// IsTransportError reports whether err is a transport error.
func IsTransportError(err error) bool { return hasCode(err, CodeTransport) }

// IsConflictResolutionError reports whether err is a resolver failure.
func IsConflictResolutionError(err error) bool { return hasCode(err, CodeConflictResolution) }

// IsStorageError reports whether err is a storage error.
func IsStorageError(err error) bool { return hasCode(err, CodeStorage) }

func configError(msg string) *Error {
	return &Error{Code: CodeConfiguration, Message: msg}
}

func storageError(collection string, err error) *Error {
	return &Error{Code: CodeStorage, Message: "store operation failed", Collection: collection, Err: err}
}

func resolutionError(collection, docID string, err error) *Error {
	return &Error{Code: CodeConflictResolution, Message: "conflict left unresolved", Collection: collection, DocID: docID, Err: err}
}

// remoteError categorizes a failed protocol call. Error frames from the
// remote keep their meaning; everything else is a transport failure.
func remoteError(op string, err error) *Error {
	var re *protocol.RemoteError
	if errors.As(err, &re) {
		switch re.Code {
		case protocol.CodeStorage:
			return &Error{Code: CodeStorage, Message: op + ": remote store failed", Err: err}
		case protocol.CodeProtocolMismatch, protocol.CodeBadRequest, protocol.CodeUnknownType:
			return &Error{Code: CodeConfiguration, Message: op + ": rejected by remote", Err: err}
		}
	}
	return &Error{Code: CodeTransport, Message: op + " failed", Err: err}
}
