package revision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for a future algorithm change.
const (
	DomainDigest      = "docsync/digest/v1"
	DomainRevision    = "docsync/revision/v1"
	DomainReplication = "docsync/replication/v1"
)

// HashWithDomain computes SHA256(domain + 0x00 + data) as lowercase hex.
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest computes the content digest of a document body.
// A nil body hashes the same as an empty object.
func Digest(body Object) (string, error) {
	if body == nil {
		body = Object{}
	}
	canonical, err := MarshalCanonical(body)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return HashWithDomain(DomainDigest, canonical), nil
}

// ComputeID derives the revision id from generation, digest, deleted flag
// and parent ids. The result has the form "<generation>-<sha256 hex>".
func ComputeID(generation int64, digest string, deleted bool, parent, mergeParent string) (string, error) {
	obj := Object{
		"generation":   Int(generation),
		"digest":       String(digest),
		"deleted":      Bool(deleted),
		"parent":       String(parent),
		"merge_parent": String(mergeParent),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("revision id: %w", err)
	}
	return fmt.Sprintf("%d-%s", generation, HashWithDomain(DomainRevision, canonical)), nil
}

// MustComputeID is like ComputeID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustComputeID(generation int64, digest string, deleted bool, parent, mergeParent string) string {
	id, err := ComputeID(generation, digest, deleted, parent, mergeParent)
	if err != nil {
		panic(err)
	}
	return id
}
