package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/ignore"
)

// StaticConnector serves records held in memory.
type StaticConnector struct {
	name    string
	mu      sync.RWMutex
	records []RawRecord
}

// NewStaticConnector returns a connector over records.
func NewStaticConnector(name string, records ...RawRecord) *StaticConnector {
	return &StaticConnector{name: name, records: records}
}

// Name returns the connector name.
func (c *StaticConnector) Name() string { return c.name }

// Add appends records.
func (c *StaticConnector) Add(records ...RawRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, records...)
}

// FetchChanged returns records updated after since.
func (c *StaticConnector) FetchChanged(ctx context.Context, since time.Time) ([]RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []RawRecord
	for _, r := range c.records {
		if r.UpdatedAt.After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// maxRecordFileSize caps a single record file.
const maxRecordFileSize = 8 * 1024 * 1024

// WireRecord is the JSON form used by record files and the ingest API.
// Payload may be a JSON string (used as is) or any other JSON value
// (passed through as raw bytes).
type WireRecord struct {
	SourceSystem string          `json:"source_system"`
	SourceID     string          `json:"source_id"`
	Payload      json.RawMessage `json:"payload"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ACLTags      []string        `json:"acl_tags"`
	Deleted      bool            `json:"deleted"`
}

// Raw converts w to a RawRecord.
func (w WireRecord) Raw() RawRecord {
	payload := []byte(w.Payload)
	var s string
	if json.Unmarshal(w.Payload, &s) == nil {
		payload = []byte(s)
	}
	return RawRecord{
		SourceSystem: w.SourceSystem,
		SourceID:     w.SourceID,
		RawPayload:   payload,
		UpdatedAt:    w.UpdatedAt,
		ACLTags:      w.ACLTags,
		Deleted:      w.Deleted,
	}
}

// FileConnector reads *.json record files from a directory. Each file
// holds one record or an array of records.
type FileConnector struct {
	dir string
}

// NewFileConnector returns a connector over dir.
func NewFileConnector(dir string) *FileConnector {
	return &FileConnector{dir: dir}
}

// Name returns "file:<dir>".
func (c *FileConnector) Name() string { return "file:" + c.dir }

// FetchChanged returns records updated after since. Records without
// updated_at take the file's modification time. Files matched by the
// directory's .gatewaydignore are skipped; the file is re-read every pass.
func (c *FileConnector) FetchChanged(ctx context.Context, since time.Time) ([]RawRecord, error) {
	paths, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", c.dir, err)
	}
	sort.Strings(paths)
	excluded, err := ignore.Load(c.dir, ignore.DefaultFile)
	if err != nil {
		return nil, fmt.Errorf("loading ignore file: %w", err)
	}

	var out []RawRecord
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if excluded.Match(filepath.Base(p)) {
			continue
		}
		recs, err := readRecordFile(p)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.UpdatedAt.After(since) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func readRecordFile(path string) ([]RawRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxRecordFileSize {
		return nil, fmt.Errorf("record file %s exceeds %d bytes", path, maxRecordFileSize)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from a configured directory glob
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var frs []WireRecord
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		err = json.Unmarshal(data, &frs)
	} else {
		var fr WireRecord
		err = json.Unmarshal(data, &fr)
		frs = []WireRecord{fr}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	out := make([]RawRecord, 0, len(frs))
	for _, fr := range frs {
		r := fr.Raw()
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = info.ModTime()
		}
		out = append(out, r)
	}
	return out, nil
}
