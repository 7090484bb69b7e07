package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/gatewayd/internal/embeddings"
	"github.com/fyrsmithlabs/gatewayd/internal/index"
	"github.com/fyrsmithlabs/gatewayd/internal/reranker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/fyrsmithlabs/gatewayd/internal/retrieval"

// Result is one fused hit. LexicalScore and VectorScore are normalized to
// [0,1] against the best candidate of their leg; a leg that did not
// return the chunk contributes 0.
type Result struct {
	Chunk        index.Chunk `json:"chunk"`
	LexicalScore float64     `json:"lexical_score"`
	VectorScore  float64     `json:"vector_score"`
	FusedScore   float64     `json:"fused_score"`
	RerankScore  float64     `json:"rerank_score,omitempty"`
}

// Config controls fusion.
type Config struct {
	// Alpha weights the lexical leg; 1-Alpha weights the vector leg.
	Alpha float64
	// CandidatePool is how many hits each leg contributes before fusion.
	// It is raised to k when smaller.
	CandidatePool int
	// Reranker, when set, reorders the fused candidate pool before the
	// result is cut to k.
	Reranker reranker.Reranker
}

// Retriever fuses lexical and vector search over an Index.
type Retriever struct {
	index    *Index
	embedder embeddings.Embedder
	alpha    float64
	pool     int
	reranker reranker.Reranker
	tracer   trace.Tracer
}

// New returns a Retriever. embedder may be nil if callers always pass
// query embeddings to Search.
func New(idx *Index, embedder embeddings.Embedder, cfg Config) (*Retriever, error) {
	if idx == nil {
		return nil, errors.New("retrieval: index is required")
	}
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		return nil, fmt.Errorf("retrieval: alpha must be in [0,1], got %f", cfg.Alpha)
	}
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = 64
	}
	return &Retriever{
		index:    idx,
		embedder: embedder,
		alpha:    cfg.Alpha,
		pool:     cfg.CandidatePool,
		reranker: cfg.Reranker,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Query embeds queryText and runs Search.
func (r *Retriever) Query(ctx context.Context, queryText string, k int, aclAllow []string) ([]Result, error) {
	if r.embedder == nil {
		return r.Search(ctx, queryText, nil, k, aclAllow)
	}
	emb, err := r.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return r.Search(ctx, queryText, emb, k, aclAllow)
}

// Search returns at most k chunks visible under aclAllow, ordered by fused
// score, then newer UpdatedAt, then ChunkID. Both legs filter by ACL
// before scoring. A nil or zero embedding skips the vector leg. With a
// reranker configured the fused pool is reordered by rerank score first.
func (r *Retriever) Search(ctx context.Context, queryText string, queryEmbedding []float32, k int, aclAllow []string) ([]Result, error) {
	ctx, span := r.tracer.Start(ctx, "retrieval.Search", trace.WithAttributes(
		attribute.Int("retrieval.k", k),
		attribute.Int("retrieval.acl_tags", len(aclAllow)),
	))
	defer span.End()

	if k <= 0 || len(aclAllow) == 0 {
		return nil, nil
	}
	pool := r.pool
	if pool < k {
		pool = k
	}

	r.index.mu.RLock()
	var lexHits, vecHits []index.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, s := r.tracer.Start(gctx, "retrieval.lexical")
		defer s.End()
		lexHits = r.index.lexical.Search(queryText, pool, aclAllow)
		s.SetAttributes(attribute.Int("retrieval.hits", len(lexHits)))
		return gctx.Err()
	})
	if !index.IsZero(queryEmbedding) {
		g.Go(func() error {
			vctx, s := r.tracer.Start(gctx, "retrieval.vector")
			defer s.End()
			hits, err := r.index.store.Search(vctx, queryEmbedding, pool, aclAllow)
			if err != nil {
				s.RecordError(err)
				return fmt.Errorf("vector search: %w", err)
			}
			vecHits = hits
			s.SetAttributes(attribute.Int("retrieval.hits", len(hits)))
			return nil
		})
	}
	err := g.Wait()
	r.index.mu.RUnlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := Fuse(lexHits, vecHits, r.alpha, index.AllowSet(aclAllow))
	if len(results) > pool {
		results = results[:pool]
	}
	if r.reranker != nil && len(results) > 1 {
		reranked, err := r.rerank(ctx, queryText, results)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		results = reranked
	}
	if len(results) > k {
		results = results[:k]
	}
	span.SetAttributes(attribute.Int("retrieval.results", len(results)))
	return results, nil
}

func (r *Retriever) rerank(ctx context.Context, queryText string, results []Result) ([]Result, error) {
	ctx, span := r.tracer.Start(ctx, "retrieval.rerank")
	defer span.End()

	cands := make([]reranker.Candidate, len(results))
	for i, res := range results {
		cands[i] = reranker.Candidate{ID: res.Chunk.ChunkID, Content: res.Chunk.Text, Score: res.FusedScore}
	}
	scored, err := r.reranker.Rerank(ctx, queryText, cands)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	out := make([]Result, 0, len(scored))
	for _, s := range scored {
		res := results[s.OriginalRank]
		res.RerankScore = s.RerankScore
		out = append(out, res)
	}
	return out, nil
}

// Fuse merges two ACL-filtered hit lists. Each leg is divided by its best
// score (negative scores count as 0) and the fused score is
// alpha*lexical + (1-alpha)*vector. Chunks not visible under allow are
// dropped.
func Fuse(lexHits, vecHits []index.Hit, alpha float64, allow map[string]bool) []Result {
	byID := make(map[string]*Result, len(lexHits)+len(vecHits))
	get := func(c index.Chunk) *Result {
		if r, ok := byID[c.ChunkID]; ok {
			return r
		}
		c.Embedding = nil
		r := &Result{Chunk: c}
		byID[c.ChunkID] = r
		return r
	}

	lexMax := maxScore(lexHits)
	for _, h := range lexHits {
		if !index.Visible(h.Chunk.ACLTags, allow) {
			continue
		}
		get(h.Chunk).LexicalScore = normalize(h.Score, lexMax)
	}
	vecMax := maxScore(vecHits)
	for _, h := range vecHits {
		if !index.Visible(h.Chunk.ACLTags, allow) {
			continue
		}
		get(h.Chunk).VectorScore = normalize(h.Score, vecMax)
	}

	out := make([]Result, 0, len(byID))
	for _, r := range byID {
		r.FusedScore = alpha*r.LexicalScore + (1-alpha)*r.VectorScore
		out = append(out, *r)
	}
	sortResults(out)
	return out
}

func maxScore(hits []index.Hit) float64 {
	var m float64
	for _, h := range hits {
		if h.Score > m {
			m = h.Score
		}
	}
	return m
}

func normalize(score, max float64) float64 {
	if score <= 0 || max <= 0 {
		return 0
	}
	return score / max
}

func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		if !a.Chunk.UpdatedAt.Equal(b.Chunk.UpdatedAt) {
			return a.Chunk.UpdatedAt.After(b.Chunk.UpdatedAt)
		}
		return a.Chunk.ChunkID < b.Chunk.ChunkID
	})
}
