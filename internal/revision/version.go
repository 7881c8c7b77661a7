package revision

// Version constants for the revision format and the replication protocol.
const (
	// FormatVersion is the revision id/digest format version.
	FormatVersion = "1"

	// ProtocolVersion is the replication wire protocol version.
	ProtocolVersion = "docsync/1"
)
