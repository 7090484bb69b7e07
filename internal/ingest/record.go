// Package ingest turns raw source records into redacted, chunked knowledge
// documents and keeps the index in step with upstream systems.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrUnsupportedSourceFormat is returned for a source system with no
// registered parser or a payload the parser cannot decode.
var ErrUnsupportedSourceFormat = errors.New("unsupported source format")

// RawRecord is one record as delivered by a connector.
type RawRecord struct {
	SourceSystem string    `json:"source_system"`
	SourceID     string    `json:"source_id"`
	RawPayload   []byte    `json:"raw_payload"`
	UpdatedAt    time.Time `json:"updated_at"`
	ACLTags      []string  `json:"acl_tags"`

	// Deleted marks an upstream deletion; the payload is ignored.
	Deleted bool `json:"deleted,omitempty"`
}

// DocumentID is the stable knowledge document ID for a source record.
func (r RawRecord) DocumentID() string {
	return r.SourceSystem + ":" + r.SourceID
}

// Connector pulls changed records from an upstream system.
type Connector interface {
	Name() string
	FetchChanged(ctx context.Context, since time.Time) ([]RawRecord, error)
}

// ContentHash fingerprints redacted text plus ACL tags so that either
// change triggers re-chunking.
func ContentHash(text string, tags []string) string {
	h := sha256.New()
	h.Write([]byte(text))
	for _, t := range tags {
		h.Write([]byte{0})
		h.Write([]byte(t))
	}
	return hex.EncodeToString(h.Sum(nil))
}
