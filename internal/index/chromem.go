package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("gatewayd.index.chromem")

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

const (
	metaDocumentID = "document_id"
	metaUpdatedAt  = "updated_at"
	metaACLTags    = "acl_tags"
	metaACLHash    = "acl_hash"
	metaKind       = "kind"
	metaSource     = "source_system"
	metaSourceID   = "source_id"
	metaHash       = "content_hash"
	aclPrefix      = "acl:"

	kindChunk    = "chunk"
	kindDocument = "document"

	tagSep = "\x1f"
)

// ChromemConfig configures the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the persistence directory. "~" expands to the home directory.
	Path       string
	Compress   bool
	Collection string
	Dimension  int
}

// ChromemStore persists chunks in an embedded chromem-go database.
//
// Each allowed tag is stored as its own metadata key so that a visibility
// check becomes an exact-match where filter. A search issues one filtered
// query per allowed tag and merges the results.
type ChromemStore struct {
	// mu serializes document replacement against searches so that a reader
	// never observes a half-replaced chunk set.
	mu     sync.RWMutex
	db     *chromem.DB
	col    *chromem.Collection
	docs   *chromem.Collection
	config ChromemConfig
	logger *logging.Logger
}

// NewChromemStore opens or creates the database at cfg.Path.
func NewChromemStore(cfg ChromemConfig, logger *logging.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "gatewayd_chunks"
	}
	if !collectionNamePattern.MatchString(cfg.Collection) {
		return nil, fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidConfig, cfg.Collection)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}
	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}
	docs, err := db.GetOrCreateCollection(cfg.Collection+"_docs", nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s_docs: %w", cfg.Collection, err)
	}

	logger.Info(context.Background(), "chromem index opened",
		zap.String("path", path),
		zap.String("collection", cfg.Collection),
		zap.Int("chunks", col.Count()),
	)
	return &ChromemStore{db: db, col: col, docs: docs, config: cfg, logger: logger}, nil
}

// refuseEmbedding is installed as the collection embedding func; every
// write and query passes a precomputed vector.
func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store requires precomputed embeddings")
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// UpsertDocument stores document metadata as a placeholder entry in the
// companion collection.
func (s *ChromemStore) UpsertDocument(ctx context.Context, doc Document) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.UpsertDocument")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.docs.Delete(ctx, nil, nil, doc.ID)
	err := s.docs.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.ID,
		Embedding: unitVector(s.config.Dimension),
		Metadata: map[string]string{
			metaKind:      kindDocument,
			metaSource:    doc.SourceSystem,
			metaSourceID:  doc.SourceID,
			metaHash:      doc.ContentHash,
			metaUpdatedAt: doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
			metaACLTags:   strings.Join(NormalizeTags(doc.ACLTags), tagSep),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("storing document %s: %w", doc.ID, err)
	}
	return nil
}

// UpsertChunks deletes the document's chunks and adds the new set under
// the store lock.
func (s *ChromemStore) UpsertChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.UpsertChunks")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID), attribute.Int("chunk_count", len(chunks)))

	if err := validateChunks(documentID, chunks, s.config.Dimension); err != nil {
		return err
	}
	docs := make([]chromem.Document, 0, len(chunks))
	for _, c := range chunks {
		if IsZero(c.Embedding) {
			return fmt.Errorf("%w: chunk %s has a zero embedding", ErrInvalidChunk, c.ChunkID)
		}
		docs = append(docs, chromem.Document{
			ID:        c.ChunkID,
			Content:   c.Text,
			Embedding: c.Embedding,
			Metadata:  chunkMetadata(c),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteChunks(ctx, documentID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	if err := s.col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding chunks for %s: %w", documentID, err)
	}
	return nil
}

func (s *ChromemStore) deleteChunks(ctx context.Context, documentID string) error {
	if s.col.Count() == 0 {
		return nil
	}
	if err := s.col.Delete(ctx, map[string]string{metaDocumentID: documentID}, nil); err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", documentID, err)
	}
	return nil
}

// DeleteDocument removes the document and its chunks.
func (s *ChromemStore) DeleteDocument(ctx context.Context, documentID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteDocument")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteChunks(ctx, documentID); err != nil {
		return err
	}
	if s.docs.Count() > 0 {
		if err := s.docs.Delete(ctx, nil, nil, documentID); err != nil {
			return fmt.Errorf("deleting document %s: %w", documentID, err)
		}
	}
	return nil
}

// Search runs one filtered query per allowed tag.
func (s *ChromemStore) Search(ctx context.Context, embedding []float32, k int, aclAllow []string) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()

	if k <= 0 || IsZero(embedding) {
		return nil, nil
	}
	if len(embedding) != s.config.Dimension {
		return nil, fmt.Errorf("%w: query has %d, want %d", ErrDimensionMismatch, len(embedding), s.config.Dimension)
	}
	allow := NormalizeTags(aclAllow)

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.col.Count()
	if n == 0 || len(allow) == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	best := make(map[string]Hit)
	for _, tag := range allow {
		results, err := s.col.QueryEmbedding(ctx, embedding, k, map[string]string{aclPrefix + tag: "1"}, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("querying %s for tag %s: %w", s.config.Collection, tag, err)
		}
		for _, r := range results {
			if _, seen := best[r.ID]; seen {
				continue
			}
			best[r.ID] = Hit{Chunk: chunkFromResult(r), Score: float64(r.Similarity)}
		}
	}

	hits := make([]Hit, 0, len(best))
	for _, h := range best {
		hits = append(hits, h)
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Document returns stored metadata.
func (s *ChromemStore) Document(ctx context.Context, documentID string) (Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.docs.Count() == 0 {
		return Document{}, false, nil
	}
	d, err := s.docs.GetByID(ctx, documentID)
	if err != nil {
		// chromem reports a missing ID as an error
		return Document{}, false, nil
	}
	updated, _ := time.Parse(time.RFC3339Nano, d.Metadata[metaUpdatedAt])
	return Document{
		ID:           d.ID,
		SourceSystem: d.Metadata[metaSource],
		SourceID:     d.Metadata[metaSourceID],
		ContentHash:  d.Metadata[metaHash],
		ACLTags:      splitTags(d.Metadata[metaACLTags]),
		UpdatedAt:    updated,
	}, true, nil
}

// Count returns the number of stored chunks.
func (s *ChromemStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col.Count()
}

// Close is a no-op; chromem writes through on every change.
func (s *ChromemStore) Close() error { return nil }

func chunkMetadata(c Chunk) map[string]string {
	tags := NormalizeTags(c.ACLTags)
	meta := map[string]string{
		metaKind:       kindChunk,
		metaDocumentID: c.DocumentID,
		metaUpdatedAt:  c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		metaACLTags:    strings.Join(tags, tagSep),
		metaACLHash:    ACLHash(tags),
	}
	for _, t := range tags {
		meta[aclPrefix+t] = "1"
	}
	return meta
}

func chunkFromResult(r chromem.Result) Chunk {
	updated, _ := time.Parse(time.RFC3339Nano, r.Metadata[metaUpdatedAt])
	return Chunk{
		ChunkID:    r.ID,
		DocumentID: r.Metadata[metaDocumentID],
		Text:       r.Content,
		ACLTags:    splitTags(r.Metadata[metaACLTags]),
		ACLHash:    r.Metadata[metaACLHash],
		UpdatedAt:  updated,
	}
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, tagSep)
}

func unitVector(dim int) []float32 {
	v := make([]float32, dim)
	if dim > 0 {
		v[0] = 1
	}
	return v
}
