package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/embeddings"
	"github.com/fyrsmithlabs/gatewayd/internal/ignore"
	"github.com/fyrsmithlabs/gatewayd/internal/index"
	"github.com/fyrsmithlabs/gatewayd/internal/sanitize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func TestNormalize(t *testing.T) {
	n := NewNormalizer(nil, nil)

	tests := []struct {
		name    string
		rec     RawRecord
		want    string
		wantErr error
	}{
		{
			name: "crm plain text",
			rec:  RawRecord{SourceSystem: "crm", SourceID: "c1", RawPayload: []byte("Contact: Jane Doe, phone 555-0100")},
			want: "Contact: Jane Doe, phone [REDACTED:phone]",
		},
		{
			name: "crm json",
			rec:  RawRecord{SourceSystem: "CRM", SourceID: "c2", RawPayload: []byte(`{"account":"Acme","name":"Bob","note":"email bob@acme.io"}`)},
			want: "Account: Acme\nName: Bob\n\nemail [REDACTED:email]",
		},
		{
			name: "erp invoice",
			rec:  RawRecord{SourceSystem: "erp", SourceID: "inv-7", RawPayload: []byte(`{"type":"invoice","number":"INV-7","customer":"Acme","lines":[{"sku":"A1","description":"widgets","quantity":3}]}`)},
			want: "invoice INV-7 for Acme.\n- A1 x3: widgets",
		},
		{
			name:    "unknown source",
			rec:     RawRecord{SourceSystem: "hr", SourceID: "h1", RawPayload: []byte("x")},
			wantErr: ErrUnsupportedSourceFormat,
		},
		{
			name:    "bad erp payload",
			rec:     RawRecord{SourceSystem: "erp", SourceID: "e1", RawPayload: []byte("not json")},
			wantErr: ErrUnsupportedSourceFormat,
		},
		{
			name:    "binary file",
			rec:     RawRecord{SourceSystem: "file", SourceID: "f1", RawPayload: []byte("a\x00b")},
			wantErr: ErrUnsupportedSourceFormat,
		},
		{
			name:    "missing id",
			rec:     RawRecord{SourceSystem: "crm", RawPayload: []byte("x")},
			wantErr: ErrUnsupportedSourceFormat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := n.Normalize(tt.rec)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc.RedactedText)
			assert.Equal(t, tt.rec.DocumentID(), doc.ID)
			assert.Equal(t, ContentHash(doc.RedactedText, doc.ACLTags), doc.ContentHash)
		})
	}
}

func TestNormalize_CustomParser(t *testing.T) {
	p := NewParsers()
	p.Register("tickets", ParserFunc(func(b []byte) (string, error) { return strings.ToUpper(string(b)), nil }))
	n := NewNormalizer(p, nil)

	doc, err := n.Normalize(RawRecord{SourceSystem: "tickets", SourceID: "t1", RawPayload: []byte("printer down"), ACLTags: []string{"IT", "it"}})
	require.NoError(t, err)
	assert.Equal(t, "PRINTER DOWN", doc.RedactedText)
	assert.Equal(t, []string{"it"}, doc.ACLTags)
	assert.Contains(t, p.Systems(), "tickets")
}

func TestContentHashCoversTags(t *testing.T) {
	assert.NotEqual(t, ContentHash("x", []string{"sales"}), ContentHash("x", []string{"finance"}))
	assert.Equal(t, ContentHash("x", []string{"sales"}), ContentHash("x", []string{"sales"}))
}

func TestChunker(t *testing.T) {
	doc := index.Document{ID: "crm:c1", RedactedText: "Contact: Jane Doe, phone [REDACTED:phone]", ACLTags: []string{"sales"}, UpdatedAt: t0}
	chunks := NewChunker(0).Chunk(doc)
	require.Len(t, chunks, 1)
	assert.Equal(t, "crm:c1#0", chunks[0].ChunkID)
	assert.Equal(t, doc.RedactedText, chunks[0].Text)
	assert.Equal(t, []string{"sales"}, chunks[0].ACLTags)
	assert.Equal(t, index.ACLHash([]string{"sales"}), chunks[0].ACLHash)
	assert.Equal(t, t0, chunks[0].UpdatedAt)
	assert.Contains(t, chunks[0].LexicalTerms, "jane")
}

func TestChunker_Boundaries(t *testing.T) {
	text := "First paragraph is short.\n\nSecond one is also short.\n\n" +
		"This sentence is long enough to need its own chunk. And so is this following sentence here."
	chunks := NewChunker(60).Chunk(index.Document{ID: "d", RedactedText: text})

	for i, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 60, c.Text)
		assert.Equal(t, "d#"+string(rune('0'+i)), c.ChunkID)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "First paragraph is short.\n\nSecond one is also short.", chunks[0].Text)
	assert.Equal(t, "This sentence is long enough to need its own chunk.", chunks[1].Text)
	assert.Equal(t, "And so is this following sentence here.", chunks[2].Text)
}

func TestChunker_LongWordsNeverCutMidWord(t *testing.T) {
	text := strings.Repeat("word ", 30)
	chunks := NewChunker(20).Chunk(index.Document{ID: "d", RedactedText: text})
	require.NotEmpty(t, chunks)
	var rebuilt []string
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 20)
		rebuilt = append(rebuilt, strings.Fields(c.Text)...)
	}
	assert.Len(t, rebuilt, 30)
}

func TestChunker_Empty(t *testing.T) {
	assert.Empty(t, NewChunker(10).Chunk(index.Document{ID: "d", RedactedText: "  \n\n "}))
}

type fakeIndexer struct {
	mu       sync.Mutex
	docs     map[string]index.Document
	chunks   map[string][]index.Chunk
	replaces int
	failOn   string
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{docs: map[string]index.Document{}, chunks: map[string][]index.Chunk{}}
}

func (f *fakeIndexer) Replace(_ context.Context, doc index.Document, chunks []index.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc.ID == f.failOn {
		return errors.New("store down")
	}
	f.docs[doc.ID] = doc
	f.chunks[doc.ID] = chunks
	f.replaces++
	return nil
}

func (f *fakeIndexer) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	delete(f.chunks, id)
	return nil
}

func (f *fakeIndexer) ContentHash(_ context.Context, id string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	return d.ContentHash, ok, nil
}

func newTestSyncer(t *testing.T, idx Indexer) *Syncer {
	t.Helper()
	emb, err := embeddings.NewHashEmbedder(16)
	require.NoError(t, err)
	s, err := NewSyncer(SyncerConfig{Embedder: emb, Indexer: idx})
	require.NoError(t, err)
	return s
}

func TestSyncer_Sync(t *testing.T) {
	ctx := context.Background()
	idx := newFakeIndexer()
	s := newTestSyncer(t, idx)

	conn := NewStaticConnector("crm",
		RawRecord{SourceSystem: "crm", SourceID: "c1", RawPayload: []byte("Contact: Jane Doe, phone 555-0100"), UpdatedAt: t0, ACLTags: []string{"sales"}},
		RawRecord{SourceSystem: "crm", SourceID: "c2", RawPayload: []byte("Renewal call"), UpdatedAt: t0.Add(time.Minute), ACLTags: []string{"sales"}},
		RawRecord{SourceSystem: "fax", SourceID: "x1", RawPayload: []byte("?"), UpdatedAt: t0},
	)

	res, err := s.Sync(ctx, conn, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Fetched: 3, Indexed: 2, Rejected: 1, Watermark: t0.Add(time.Minute)}, res)
	require.Len(t, idx.chunks["crm:c1"], 1)
	assert.Len(t, idx.chunks["crm:c1"][0].Embedding, 16)
	assert.NotContains(t, idx.chunks["crm:c1"][0].Text, "555-0100")

	// second pass sees the same content
	res, err = s.Sync(ctx, conn, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Unchanged)
	assert.Equal(t, 2, idx.replaces)

	// a changed payload re-indexes only that document
	conn.Add(RawRecord{SourceSystem: "crm", SourceID: "c2", RawPayload: []byte("Renewal signed"), UpdatedAt: t0.Add(time.Hour), ACLTags: []string{"sales"}})
	res, err = s.Sync(ctx, conn, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, "Renewal signed", idx.docs["crm:c2"].RedactedText)

	// deletion removes the document
	conn.Add(RawRecord{SourceSystem: "crm", SourceID: "c1", Deleted: true, UpdatedAt: t0.Add(2 * time.Hour)})
	res, err = s.Sync(ctx, conn, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.NotContains(t, idx.docs, "crm:c1")
}

func TestSyncer_SameDocumentAppliedInUpdateOrder(t *testing.T) {
	v1 := RawRecord{SourceSystem: "crm", SourceID: "c1", RawPayload: []byte("first draft"), UpdatedAt: t0, ACLTags: []string{"sales"}}
	v2 := RawRecord{SourceSystem: "crm", SourceID: "c1", RawPayload: []byte("second draft"), UpdatedAt: t0.Add(time.Minute), ACLTags: []string{"sales"}}
	v3 := RawRecord{SourceSystem: "crm", SourceID: "c1", RawPayload: []byte("final text"), UpdatedAt: t0.Add(2 * time.Minute), ACLTags: []string{"sales"}}
	del := RawRecord{SourceSystem: "crm", SourceID: "c1", Deleted: true, UpdatedAt: t0.Add(3 * time.Minute)}
	other := RawRecord{SourceSystem: "crm", SourceID: "c2", RawPayload: []byte("unrelated"), UpdatedAt: t0, ACLTags: []string{"sales"}}

	tests := []struct {
		name    string
		records []RawRecord
		want    string // redacted text of crm:c1, empty when removed
	}{
		{"newest fetched first", []RawRecord{v3, other, v1, v2}, "final text"},
		{"delete is newest", []RawRecord{del, v3, other, v1}, ""},
		{"update after delete", []RawRecord{v3, {SourceSystem: "crm", SourceID: "c1", Deleted: true, UpdatedAt: t0.Add(-time.Minute)}}, "final text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				idx := newFakeIndexer()
				s := newTestSyncer(t, idx)
				_, err := s.Sync(context.Background(), NewStaticConnector("crm", tt.records...), time.Time{})
				require.NoError(t, err)
				if tt.want == "" {
					assert.NotContains(t, idx.docs, "crm:c1")
				} else {
					assert.Equal(t, tt.want, idx.docs["crm:c1"].RedactedText)
				}
			}
		})
	}
}

func TestByDocument(t *testing.T) {
	a1 := RawRecord{SourceSystem: "crm", SourceID: "a", UpdatedAt: t0.Add(time.Hour)}
	b1 := RawRecord{SourceSystem: "crm", SourceID: "b", UpdatedAt: t0}
	a2 := RawRecord{SourceSystem: "crm", SourceID: "a", UpdatedAt: t0}
	a3 := RawRecord{SourceSystem: "crm", SourceID: "a", UpdatedAt: t0, Deleted: true}

	groups := byDocument([]RawRecord{a1, b1, a2, a3})
	require.Len(t, groups, 2)
	assert.Equal(t, []RawRecord{a2, a3, a1}, groups[0])
	assert.Equal(t, []RawRecord{b1}, groups[1])
}

func TestSyncer_IndexerFailureStopsSync(t *testing.T) {
	idx := newFakeIndexer()
	idx.failOn = "crm:c1"
	s := newTestSyncer(t, idx)

	conn := NewStaticConnector("crm", RawRecord{SourceSystem: "crm", SourceID: "c1", RawPayload: []byte("hello"), UpdatedAt: t0})
	_, err := s.Sync(context.Background(), conn, time.Time{})
	assert.ErrorContains(t, err, "store down")
}

func TestSyncer_IngestRejected(t *testing.T) {
	s := newTestSyncer(t, newFakeIndexer())
	outcome, _, err := s.Ingest(context.Background(), RawRecord{SourceSystem: "nope", SourceID: "1"})
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, ErrUnsupportedSourceFormat)
}

func TestNewSyncer_RequiresDeps(t *testing.T) {
	_, err := NewSyncer(SyncerConfig{})
	assert.Error(t, err)
}

func TestFileConnector(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{
		"source_system": "crm", "source_id": "c1",
		"payload": "Contact: Jane Doe, phone 555-0100",
		"updated_at": "2026-02-01T09:00:00Z", "acl_tags": ["sales"]
	}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`[
		{"source_system": "erp", "source_id": "inv-1", "payload": {"number": "INV-1"}, "updated_at": "2026-02-03T00:00:00Z"}
	]`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o600))

	conn := NewFileConnector(dir)
	recs, err := conn.FetchChanged(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Contact: Jane Doe, phone 555-0100", string(recs[0].RawPayload))
	assert.JSONEq(t, `{"number": "INV-1"}`, string(recs[1].RawPayload))

	recs, err = conn.FetchChanged(context.Background(), t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "inv-1", recs[0].SourceID)
}

func TestFileConnector_IgnoreFile(t *testing.T) {
	dir := t.TempDir()
	rec := []byte(`{"source_system": "crm", "source_id": "c1", "payload": "note"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crm.json"), rec, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft-crm.json"), []byte(`{`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gatewaydignore"), []byte("# wip\ndraft-*.json\n"), 0o600))

	recs, err := NewFileConnector(dir).FetchChanged(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c1", recs[0].SourceID)
}

func TestFileConnector_BadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{`), 0o600))
	_, err := NewFileConnector(dir).FetchChanged(context.Background(), time.Time{})
	assert.Error(t, err)
}

func TestFileConnector_UnsafeIgnorePattern(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"source_system":"crm","source_id":"c1","payload":"x"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ignore.DefaultFile), []byte("*.tmp\n$(rm -rf)\n"), 0o600))
	_, err := NewFileConnector(dir).FetchChanged(context.Background(), time.Time{})
	assert.ErrorIs(t, err, sanitize.ErrInvalidPattern)
}
