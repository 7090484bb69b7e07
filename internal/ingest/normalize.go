package ingest

import (
	"fmt"

	"github.com/fyrsmithlabs/gatewayd/internal/index"
	"github.com/fyrsmithlabs/gatewayd/internal/redact"
)

// Normalizer parses and redacts raw records.
type Normalizer struct {
	parsers  *Parsers
	redactor *redact.Redactor
}

// NewNormalizer returns a Normalizer. A nil redactor uses the default rules.
func NewNormalizer(parsers *Parsers, redactor *redact.Redactor) *Normalizer {
	if parsers == nil {
		parsers = NewParsers()
	}
	if redactor == nil {
		redactor = redact.MustNew(nil)
	}
	return &Normalizer{parsers: parsers, redactor: redactor}
}

// Normalize converts rec into a redacted knowledge document. The returned
// text never contains a span any redaction rule matches.
func (n *Normalizer) Normalize(rec RawRecord) (index.Document, error) {
	if rec.SourceSystem == "" || rec.SourceID == "" {
		return index.Document{}, fmt.Errorf("%w: source_system and source_id are required", ErrUnsupportedSourceFormat)
	}
	parser, ok := n.parsers.Lookup(rec.SourceSystem)
	if !ok {
		return index.Document{}, fmt.Errorf("%w: no parser for source system %q", ErrUnsupportedSourceFormat, rec.SourceSystem)
	}
	text, err := parser.Parse(rec.RawPayload)
	if err != nil {
		return index.Document{}, fmt.Errorf("normalizing %s: %w", rec.DocumentID(), err)
	}

	redacted := n.redactor.String(text)
	tags := index.NormalizeTags(rec.ACLTags)
	return index.Document{
		ID:           rec.DocumentID(),
		SourceSystem: rec.SourceSystem,
		SourceID:     rec.SourceID,
		RedactedText: redacted,
		ACLTags:      tags,
		UpdatedAt:    rec.UpdatedAt.UTC(),
		ContentHash:  ContentHash(redacted, tags),
	}, nil
}
