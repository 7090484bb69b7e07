// Package index stores redacted knowledge chunks for retrieval.
//
// A Store holds chunk embeddings and answers ACL-filtered nearest-neighbour
// queries. LexicalIndex holds term frequencies for the keyword leg. Both
// replace a document's chunks as one unit: readers see either the old chunk
// set or the new one, never a mix.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDimensionMismatch indicates an embedding of the wrong size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidChunk indicates a chunk that cannot be stored.
	ErrInvalidChunk = errors.New("invalid chunk")
)

// Document is a normalized, redacted source record. Replacing a document
// replaces all of its chunks.
type Document struct {
	ID           string    `json:"id"`
	SourceSystem string    `json:"source_system"`
	SourceID     string    `json:"source_id"`
	RedactedText string    `json:"redacted_text"`
	ACLTags      []string  `json:"acl_tags"`
	UpdatedAt    time.Time `json:"updated_at"`
	ContentHash  string    `json:"content_hash"`
}

// Chunk is the unit of retrieval.
type Chunk struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   string    `json:"document_id"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"-"`
	LexicalTerms []string  `json:"-"`
	ACLTags      []string  `json:"acl_tags"`
	ACLHash      string    `json:"acl_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Hit is one scored chunk from a single retrieval leg.
type Hit struct {
	Chunk Chunk
	Score float64
}

// NormalizeTags lowercases, trims, sorts and deduplicates ACL tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ACLHash returns a stable identifier for a tag set, independent of order.
func ACLHash(tags []string) string {
	sum := sha256.Sum256([]byte(strings.Join(NormalizeTags(tags), "\x1f")))
	return hex.EncodeToString(sum[:8])
}

// AllowSet builds the lookup used by Visible.
func AllowSet(allow []string) map[string]bool {
	set := make(map[string]bool, len(allow))
	for _, t := range NormalizeTags(allow) {
		set[t] = true
	}
	return set
}

// Visible reports whether a chunk with tags may be returned to a caller
// holding allow. A chunk is visible when any of its tags is allowed; an
// untagged chunk is visible to nobody.
func Visible(tags []string, allow map[string]bool) bool {
	for _, t := range tags {
		if allow[t] {
			return true
		}
	}
	return false
}
