package index

import (
	"context"
	"fmt"
	"math"
)

// Store persists chunk embeddings and serves ACL-filtered vector search.
type Store interface {
	// UpsertDocument records document metadata.
	UpsertDocument(ctx context.Context, doc Document) error

	// UpsertChunks replaces every chunk of documentID with chunks.
	UpsertChunks(ctx context.Context, documentID string, chunks []Chunk) error

	// DeleteDocument removes the document and all of its chunks.
	DeleteDocument(ctx context.Context, documentID string) error

	// Search returns up to k chunks visible under aclAllow, ordered by
	// cosine similarity descending. Invisible chunks are never scored.
	Search(ctx context.Context, embedding []float32, k int, aclAllow []string) ([]Hit, error)

	// Document returns stored document metadata.
	Document(ctx context.Context, documentID string) (Document, bool, error)

	Close() error
}

func validateChunks(documentID string, chunks []Chunk, dim int) error {
	for _, c := range chunks {
		if c.ChunkID == "" {
			return fmt.Errorf("%w: empty chunk id", ErrInvalidChunk)
		}
		if c.DocumentID != documentID {
			return fmt.Errorf("%w: chunk %s belongs to %q, not %q", ErrInvalidChunk, c.ChunkID, c.DocumentID, documentID)
		}
		if dim > 0 && len(c.Embedding) != dim {
			return fmt.Errorf("%w: chunk %s has %d, want %d", ErrDimensionMismatch, c.ChunkID, len(c.Embedding), dim)
		}
	}
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// IsZero reports whether v has no direction. Such vectors cannot be
// compared by cosine similarity.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
