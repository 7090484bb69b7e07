package index

import (
	"math"
	"sync"
)

// LexicalIndex scores chunks by query term frequency. A chunk scores
// sum(log(1+tf)) over distinct query terms it contains.
type LexicalIndex struct {
	mu     sync.RWMutex
	chunks map[string][]lexicalEntry // by document ID
}

type lexicalEntry struct {
	chunk Chunk
	tf    map[string]int
}

// NewLexicalIndex returns an empty index.
func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{chunks: make(map[string][]lexicalEntry)}
}

// Replace swaps all entries for documentID. Chunks without LexicalTerms
// are tokenized from their text.
func (l *LexicalIndex) Replace(documentID string, chunks []Chunk) {
	entries := make([]lexicalEntry, 0, len(chunks))
	for _, c := range chunks {
		terms := c.LexicalTerms
		if terms == nil {
			terms = Terms(c.Text)
		}
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		c.ACLTags = NormalizeTags(c.ACLTags)
		c.Embedding = nil
		entries = append(entries, lexicalEntry{chunk: c, tf: tf})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(entries) == 0 {
		delete(l.chunks, documentID)
		return
	}
	l.chunks[documentID] = entries
}

// Remove drops documentID.
func (l *LexicalIndex) Remove(documentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.chunks, documentID)
}

// Search returns up to k visible chunks with a positive score.
func (l *LexicalIndex) Search(query string, k int, aclAllow []string) []Hit {
	if k <= 0 {
		return nil
	}
	qterms := distinct(Terms(query))
	if len(qterms) == 0 {
		return nil
	}
	allow := AllowSet(aclAllow)

	l.mu.RLock()
	defer l.mu.RUnlock()
	var hits []Hit
	for _, entries := range l.chunks {
		for _, e := range entries {
			if !Visible(e.chunk.ACLTags, allow) {
				continue
			}
			var score float64
			for _, t := range qterms {
				if n := e.tf[t]; n > 0 {
					score += math.Log1p(float64(n))
				}
			}
			if score > 0 {
				hits = append(hits, Hit{Chunk: e.chunk, Score: score})
			}
		}
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Len returns the number of indexed chunks.
func (l *LexicalIndex) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.chunks {
		n += len(e)
	}
	return n
}

func distinct(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
