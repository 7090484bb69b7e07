package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/embeddings"
	"github.com/fyrsmithlabs/gatewayd/internal/index"
	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Indexer receives normalized documents. Replace swaps all chunks of a
// document in one step.
type Indexer interface {
	Replace(ctx context.Context, doc index.Document, chunks []index.Chunk) error
	Remove(ctx context.Context, documentID string) error
	ContentHash(ctx context.Context, documentID string) (string, bool, error)
}

// Outcome is what happened to one record.
type Outcome string

const (
	OutcomeIndexed   Outcome = "indexed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeRejected  Outcome = "rejected"
)

// SyncResult summarizes one Sync call.
type SyncResult struct {
	Fetched   int       `json:"fetched"`
	Indexed   int       `json:"indexed"`
	Unchanged int       `json:"unchanged"`
	Deleted   int       `json:"deleted"`
	Rejected  int       `json:"rejected"`
	Watermark time.Time `json:"watermark"`
}

// SyncerConfig holds Syncer dependencies.
type SyncerConfig struct {
	Normalizer  *Normalizer
	Chunker     *Chunker
	Embedder    embeddings.Embedder
	Indexer     Indexer
	Logger      *logging.Logger
	Concurrency int
}

// Syncer normalizes, chunks, embeds and indexes records.
type Syncer struct {
	normalizer  *Normalizer
	chunker     *Chunker
	embedder    embeddings.Embedder
	indexer     Indexer
	logger      *logging.Logger
	concurrency int
}

// NewSyncer validates cfg.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Embedder == nil || cfg.Indexer == nil {
		return nil, errors.New("ingest: embedder and indexer are required")
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = NewNormalizer(nil, nil)
	}
	if cfg.Chunker == nil {
		cfg.Chunker = NewChunker(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Syncer{
		normalizer:  cfg.Normalizer,
		chunker:     cfg.Chunker,
		embedder:    cfg.Embedder,
		indexer:     cfg.Indexer,
		logger:      cfg.Logger.Named("ingest"),
		concurrency: cfg.Concurrency,
	}, nil
}

// Ingest processes one record. Rejected records return an error wrapping
// ErrUnsupportedSourceFormat and leave the index untouched.
func (s *Syncer) Ingest(ctx context.Context, rec RawRecord) (Outcome, index.Document, error) {
	outcome, doc, err := s.ingest(ctx, rec)
	label := string(outcome)
	if label == "" {
		label = "error"
	}
	recordsTotal.WithLabelValues(rec.SourceSystem, label).Inc()
	return outcome, doc, err
}

func (s *Syncer) ingest(ctx context.Context, rec RawRecord) (Outcome, index.Document, error) {
	if rec.Deleted {
		if err := s.indexer.Remove(ctx, rec.DocumentID()); err != nil {
			return "", index.Document{}, fmt.Errorf("removing %s: %w", rec.DocumentID(), err)
		}
		return OutcomeDeleted, index.Document{ID: rec.DocumentID()}, nil
	}

	doc, err := s.normalizer.Normalize(rec)
	if err != nil {
		return OutcomeRejected, index.Document{}, err
	}

	prev, ok, err := s.indexer.ContentHash(ctx, doc.ID)
	if err != nil {
		return "", doc, fmt.Errorf("reading content hash for %s: %w", doc.ID, err)
	}
	if ok && prev == doc.ContentHash {
		return OutcomeUnchanged, doc, nil
	}

	chunks := s.chunker.Chunk(doc)
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return "", doc, fmt.Errorf("embedding %s: %w", doc.ID, err)
		}
		if len(vecs) != len(chunks) {
			return "", doc, fmt.Errorf("embedding %s: got %d vectors for %d chunks", doc.ID, len(vecs), len(chunks))
		}
		for i := range chunks {
			chunks[i].Embedding = vecs[i]
		}
	}

	if err := s.indexer.Replace(ctx, doc, chunks); err != nil {
		return "", doc, fmt.Errorf("indexing %s: %w", doc.ID, err)
	}
	chunksTotal.Add(float64(len(chunks)))
	return OutcomeIndexed, doc, nil
}

// Sync pulls records changed after since and ingests them concurrently.
// Records for the same document are applied one at a time in UpdatedAt
// order so the newest version always wins. Rejected records are logged
// and counted; any other failure stops the sync.
func (s *Syncer) Sync(ctx context.Context, conn Connector, since time.Time) (SyncResult, error) {
	start := time.Now()
	records, err := conn.FetchChanged(ctx, since)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetching from %s: %w", conn.Name(), err)
	}

	res := SyncResult{Fetched: len(records), Watermark: since}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	apply := func(rec RawRecord) error {
		outcome, _, err := s.Ingest(gctx, rec)
		mu.Lock()
		defer mu.Unlock()
		if rec.UpdatedAt.After(res.Watermark) {
			res.Watermark = rec.UpdatedAt
		}
		switch outcome {
		case OutcomeIndexed:
			res.Indexed++
		case OutcomeUnchanged:
			res.Unchanged++
		case OutcomeDeleted:
			res.Deleted++
		case OutcomeRejected:
			res.Rejected++
			s.logger.Warn(gctx, "record rejected",
				zap.String("connector", conn.Name()),
				zap.String("document_id", rec.DocumentID()),
				zap.Error(err),
			)
			return nil
		}
		return err
	}
	for _, group := range byDocument(records) {
		g.Go(func() error {
			for _, rec := range group {
				if err := apply(rec); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	s.logger.Info(ctx, "sync complete",
		zap.String("connector", conn.Name()),
		zap.Int("fetched", res.Fetched),
		zap.Int("indexed", res.Indexed),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("deleted", res.Deleted),
		zap.Int("rejected", res.Rejected),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// byDocument groups records by document ID in first-seen order, each group
// sorted by UpdatedAt with ties kept in fetch order.
func byDocument(records []RawRecord) [][]RawRecord {
	pos := make(map[string]int)
	var groups [][]RawRecord
	for _, rec := range records {
		id := rec.DocumentID()
		i, ok := pos[id]
		if !ok {
			i = len(groups)
			pos[id] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	for _, g := range groups {
		slices.SortStableFunc(g, func(a, b RawRecord) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	}
	return groups
}

// Watch syncs conn every interval until ctx is done, advancing the
// watermark after each successful pass.
func (s *Syncer) Watch(ctx context.Context, conn Connector, interval time.Duration) error {
	var since time.Time
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := s.Sync(ctx, conn, since)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error(ctx, "sync failed", zap.String("connector", conn.Name()), zap.Error(err))
		} else {
			since = res.Watermark
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
