package reranker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ErrNilContext is returned when a nil context is passed to Rerank.
var ErrNilContext = errors.New("context cannot be nil")

// TermOverlapReranker blends the fused score with the share of distinct
// query terms present in the candidate text:
//
//	rerank = (1-weight)*fused + weight*overlap
type TermOverlapReranker struct {
	weight float64
}

// NewTermOverlap returns a term-overlap reranker. weight must be in [0,1].
func NewTermOverlap(weight float64) (*TermOverlapReranker, error) {
	if weight < 0 || weight > 1 {
		return nil, fmt.Errorf("rerank weight must be in [0,1], got %f", weight)
	}
	return &TermOverlapReranker{weight: weight}, nil
}

// Rerank implements Reranker. A query with no usable terms keeps the
// input order and uses the fused score as the rerank score.
func (r *TermOverlapReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	out := make([]Scored, len(candidates))
	queryTerms := tokenize(query)
	for i, c := range candidates {
		out[i] = Scored{Candidate: c, RerankScore: c.Score, OriginalRank: i}
		if len(queryTerms) == 0 {
			continue
		}
		overlap := termOverlap(queryTerms, tokenize(c.Content))
		out[i].RerankScore = (1-r.weight)*c.Score + r.weight*overlap
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RerankScore != out[j].RerankScore {
			return out[i].RerankScore > out[j].RerankScore
		}
		return out[i].OriginalRank < out[j].OriginalRank
	})
	return out, nil
}

// tokenize lowercases text, splits on anything that is not a letter or
// digit, and drops stopwords and terms shorter than three runes.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	filtered := tokens[:0]
	for _, t := range tokens {
		if len([]rune(t)) > 2 && !stopwords[t] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "was": true, "are": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true,
	"how": true, "not": true, "all": true, "any": true, "our": true,
}

// termOverlap is the fraction of distinct query terms found in docTerms.
func termOverlap(queryTerms, docTerms []string) float64 {
	doc := make(map[string]bool, len(docTerms))
	for _, t := range docTerms {
		doc[t] = true
	}
	distinct := make(map[string]bool, len(queryTerms))
	matched := 0
	for _, t := range queryTerms {
		if distinct[t] {
			continue
		}
		distinct[t] = true
		if doc[t] {
			matched++
		}
	}
	if len(distinct) == 0 {
		return 0
	}
	return float64(matched) / float64(len(distinct))
}
