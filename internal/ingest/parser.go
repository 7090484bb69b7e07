package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Parser extracts plain text from a source-specific payload.
type Parser interface {
	Parse(payload []byte) (string, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(payload []byte) (string, error)

// Parse calls f.
func (f ParserFunc) Parse(payload []byte) (string, error) { return f(payload) }

// Parsers maps source system names to parsers.
type Parsers struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewParsers returns a registry holding the built-in crm, erp and file parsers.
func NewParsers() *Parsers {
	p := &Parsers{parsers: make(map[string]Parser)}
	p.Register("crm", ParserFunc(parseCRM))
	p.Register("erp", ParserFunc(parseERP))
	p.Register("file", ParserFunc(parseFile))
	return p
}

// Register adds or replaces the parser for sourceSystem.
func (p *Parsers) Register(sourceSystem string, parser Parser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parsers[strings.ToLower(sourceSystem)] = parser
}

// Lookup returns the parser for sourceSystem.
func (p *Parsers) Lookup(sourceSystem string) (Parser, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	parser, ok := p.parsers[strings.ToLower(sourceSystem)]
	return parser, ok
}

// Systems lists registered source systems in sorted order.
func (p *Parsers) Systems() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.parsers))
	for k := range p.parsers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// crmRecord is a contact or account note.
type crmRecord struct {
	Name    string `json:"name"`
	Account string `json:"account"`
	Note    string `json:"note"`
	Body    string `json:"body"`
}

// parseCRM accepts either a JSON crmRecord or a plain-text note.
func parseCRM(payload []byte) (string, error) {
	trimmed := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(trimmed, "{") {
		return parseFile(payload)
	}
	var r crmRecord
	if err := json.Unmarshal(payload, &r); err != nil {
		return "", fmt.Errorf("%w: crm payload: %v", ErrUnsupportedSourceFormat, err)
	}
	text := firstNonEmpty(r.Note, r.Body)
	if text == "" {
		return "", fmt.Errorf("%w: crm payload has no note or body", ErrUnsupportedSourceFormat)
	}
	var header []string
	if r.Account != "" {
		header = append(header, "Account: "+r.Account)
	}
	if r.Name != "" && !strings.Contains(text, r.Name) {
		header = append(header, "Name: "+r.Name)
	}
	if len(header) == 0 {
		return text, nil
	}
	return strings.Join(header, "\n") + "\n\n" + text, nil
}

// erpRecord is an order or invoice with free-text lines.
type erpRecord struct {
	Type        string `json:"type"`
	Number      string `json:"number"`
	Customer    string `json:"customer"`
	Description string `json:"description"`
	Lines       []struct {
		SKU         string  `json:"sku"`
		Description string  `json:"description"`
		Quantity    float64 `json:"quantity"`
	} `json:"lines"`
}

func parseERP(payload []byte) (string, error) {
	var r erpRecord
	if err := json.Unmarshal(payload, &r); err != nil {
		return "", fmt.Errorf("%w: erp payload: %v", ErrUnsupportedSourceFormat, err)
	}
	if r.Number == "" {
		return "", fmt.Errorf("%w: erp payload has no number", ErrUnsupportedSourceFormat)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", firstNonEmpty(r.Type, "record"), r.Number)
	if r.Customer != "" {
		fmt.Fprintf(&b, " for %s", r.Customer)
	}
	b.WriteString(".")
	if r.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(r.Description)
	}
	for _, l := range r.Lines {
		fmt.Fprintf(&b, "\n- %s x%g: %s", l.SKU, l.Quantity, l.Description)
	}
	return b.String(), nil
}

// parseFile accepts plain UTF-8 text.
func parseFile(payload []byte) (string, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return "", fmt.Errorf("%w: empty file payload", ErrUnsupportedSourceFormat)
	}
	if strings.ContainsRune(text, '\x00') {
		return "", fmt.Errorf("%w: binary file payload", ErrUnsupportedSourceFormat)
	}
	return text, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
