package index

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store using brute-force cosine search.
type MemoryStore struct {
	mu     sync.RWMutex
	dim    int
	docs   map[string]Document
	chunks map[string][]Chunk // by document ID
}

// NewMemoryStore returns an empty store. dim of 0 accepts any size.
func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{
		dim:    dim,
		docs:   make(map[string]Document),
		chunks: make(map[string][]Chunk),
	}
}

// UpsertDocument records document metadata.
func (s *MemoryStore) UpsertDocument(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return nil
}

// UpsertChunks swaps the chunk slice for documentID under the write lock.
func (s *MemoryStore) UpsertChunks(_ context.Context, documentID string, chunks []Chunk) error {
	if err := validateChunks(documentID, chunks, s.dim); err != nil {
		return err
	}
	cp := make([]Chunk, len(chunks))
	copy(cp, chunks)
	for i := range cp {
		cp[i].ACLTags = NormalizeTags(cp[i].ACLTags)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(cp) == 0 {
		delete(s.chunks, documentID)
	} else {
		s.chunks[documentID] = cp
	}
	return nil
}

// DeleteDocument removes the document and its chunks.
func (s *MemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, documentID)
	delete(s.chunks, documentID)
	return nil
}

// Search scores only chunks visible under aclAllow.
func (s *MemoryStore) Search(ctx context.Context, embedding []float32, k int, aclAllow []string) ([]Hit, error) {
	if k <= 0 || IsZero(embedding) {
		return nil, nil
	}
	allow := AllowSet(aclAllow)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []Hit
	for _, chunks := range s.chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if !Visible(c.ACLTags, allow) {
				continue
			}
			hits = append(hits, Hit{Chunk: c, Score: cosine(embedding, c.Embedding)})
		}
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Document returns stored metadata.
func (s *MemoryStore) Document(_ context.Context, documentID string) (Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[documentID]
	return d, ok, nil
}

// Len returns the number of stored chunks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// sortHits orders by score descending, then newer chunks, then chunk ID.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Chunk.UpdatedAt.Equal(b.Chunk.UpdatedAt) {
			return a.Chunk.UpdatedAt.After(b.Chunk.UpdatedAt)
		}
		return a.Chunk.ChunkID < b.Chunk.ChunkID
	})
}
