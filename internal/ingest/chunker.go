package ingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/gatewayd/internal/index"
)

// DefaultChunkSize is the maximum characters per chunk.
const DefaultChunkSize = 1200

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd    = regexp.MustCompile(`[.!?]["')\]]*\s+`)
)

// Chunker splits documents on paragraph then sentence boundaries.
// Units longer than MaxChars fall back to word boundaries.
type Chunker struct {
	MaxChars int
}

// NewChunker returns a chunker; non-positive sizes use DefaultChunkSize.
func NewChunker(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}
	return &Chunker{MaxChars: maxChars}
}

// Chunk splits doc into chunks with IDs <docID>#<n>, n from 0. Every chunk
// inherits the document's ACL tags and update time.
func (c *Chunker) Chunk(doc index.Document) []index.Chunk {
	var units []string
	for _, p := range paragraphSplit.Split(doc.RedactedText, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) <= c.MaxChars {
			units = append(units, p)
			continue
		}
		for _, s := range sentences(p) {
			if len(s) <= c.MaxChars {
				units = append(units, s)
			} else {
				units = append(units, c.words(s)...)
			}
		}
	}

	tags := index.NormalizeTags(doc.ACLTags)
	hash := index.ACLHash(tags)
	var chunks []index.Chunk
	emit := func(text string) {
		chunks = append(chunks, index.Chunk{
			ChunkID:      fmt.Sprintf("%s#%d", doc.ID, len(chunks)),
			DocumentID:   doc.ID,
			Text:         text,
			LexicalTerms: index.Terms(text),
			ACLTags:      tags,
			ACLHash:      hash,
			UpdatedAt:    doc.UpdatedAt,
		})
	}

	var cur strings.Builder
	for _, u := range units {
		if cur.Len() > 0 && cur.Len()+2+len(u) > c.MaxChars {
			emit(cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(u)
	}
	if cur.Len() > 0 {
		emit(cur.String())
	}
	return chunks
}

func sentences(p string) []string {
	var out []string
	last := 0
	for _, m := range sentenceEnd.FindAllStringIndex(p, -1) {
		if s := strings.TrimSpace(p[last:m[1]]); s != "" {
			out = append(out, s)
		}
		last = m[1]
	}
	if s := strings.TrimSpace(p[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

// words packs whitespace-separated words into pieces of at most MaxChars.
// A single word longer than MaxChars becomes its own piece.
func (c *Chunker) words(s string) []string {
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(s) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > c.MaxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
