// Package reranker reorders fused retrieval candidates with a second
// scoring signal.
package reranker

import (
	"context"
	"fmt"
)

// Candidate is one fused hit offered for reranking.
type Candidate struct {
	ID      string
	Content string
	Score   float64 // fused score in [0,1]
}

// Scored is a reranked candidate.
type Scored struct {
	Candidate
	RerankScore  float64
	OriginalRank int // position in the input, 0-indexed
}

// Reranker reorders candidates for a query. Implementations return every
// candidate, sorted by RerankScore descending with OriginalRank breaking
// ties, so the output is deterministic for a given input.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error)
}

// Names accepted by New.
const (
	None        = "none"
	TermOverlap = "term_overlap"
)

// New returns the reranker registered under name. An empty name or "none"
// returns nil, meaning fused order is final.
func New(name string, weight float64) (Reranker, error) {
	switch name {
	case "", None:
		return nil, nil
	case TermOverlap:
		r, err := NewTermOverlap(weight)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown reranker %q", name)
	}
}
