// Package retrieval runs hybrid lexical and vector search over the chunk
// index and fuses the two rankings.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/gatewayd/internal/index"
)

// Index pairs a vector Store with the in-memory lexical index and keeps
// them in step. It satisfies ingest.Indexer. Searches hold the read lock
// across both legs, so a replace or remove is never seen half done.
type Index struct {
	store   index.Store
	lexical *index.LexicalIndex

	mu     sync.RWMutex
	hashes map[string]string
}

// NewIndex wraps store. The lexical side starts empty and fills as
// documents are (re)indexed.
func NewIndex(store index.Store) *Index {
	return &Index{
		store:   store,
		lexical: index.NewLexicalIndex(),
		hashes:  make(map[string]string),
	}
}

// Replace writes doc and swaps in chunks on both legs. If the chunks
// cannot be written the previous document metadata is restored.
func (x *Index) Replace(ctx context.Context, doc index.Document, chunks []index.Chunk) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	prev, had, err := x.store.Document(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}
	if err := x.store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("upserting document: %w", err)
	}
	if err := x.store.UpsertChunks(ctx, doc.ID, chunks); err != nil {
		err = fmt.Errorf("upserting chunks: %w", err)
		undo := context.WithoutCancel(ctx)
		var rerr error
		if had {
			rerr = x.store.UpsertDocument(undo, prev)
		} else {
			rerr = x.store.DeleteDocument(undo, doc.ID)
		}
		if rerr != nil {
			return errors.Join(err, fmt.Errorf("restoring document: %w", rerr))
		}
		return err
	}
	x.lexical.Replace(doc.ID, chunks)
	x.hashes[doc.ID] = doc.ContentHash
	return nil
}

// Remove deletes the document and all of its chunks.
func (x *Index) Remove(ctx context.Context, documentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	x.lexical.Remove(documentID)
	delete(x.hashes, documentID)
	return nil
}

// ContentHash reports the hash last indexed by this process. Documents
// persisted by an earlier process report !ok so the next sync rebuilds
// their lexical entries.
func (x *Index) ContentHash(_ context.Context, documentID string) (string, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	h, ok := x.hashes[documentID]
	return h, ok, nil
}

// Document returns stored document metadata.
func (x *Index) Document(ctx context.Context, documentID string) (index.Document, bool, error) {
	return x.store.Document(ctx, documentID)
}

// Store returns the vector store.
func (x *Index) Store() index.Store { return x.store }

// Close closes the underlying store.
func (x *Index) Close() error { return x.store.Close() }
