//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

const (
	defaultFastEmbedModel  = "BAAI/bge-small-en-v1.5"
	defaultFastEmbedBatch  = 64
	defaultFastEmbedMaxLen = 512
)

// FastEmbedConfig configures the local ONNX backend.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// FastEmbedProvider embeds with a FastEmbed model loaded in process.
// Chunks are embedded as passages and queries as queries, which is what
// the BGE family expects.
type FastEmbedProvider struct {
	mu        sync.Mutex
	model     *fastembed.FlagEmbedding
	dimension int
}

var fastEmbedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

func resolveFastEmbedModel(name string) (fastembed.EmbeddingModel, int, error) {
	if name == "" {
		name = defaultFastEmbedModel
	}
	if m, ok := fastEmbedModels[name]; ok {
		return m, knownDimensions[name], nil
	}
	// fastembed's own identifiers, e.g. fast-bge-small-en-v1.5
	for friendly, m := range fastEmbedModels {
		if string(m) == name {
			return m, knownDimensions[friendly], nil
		}
	}
	return "", 0, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, name)
}

// NewFastEmbedProvider loads the model, downloading it into CacheDir on
// first use.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	model, dim, err := resolveFastEmbedModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}
	maxLen := cfg.MaxLength
	if maxLen <= 0 {
		maxLen = defaultFastEmbedMaxLen
	}
	quiet := false
	fe, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLen,
		ShowDownloadProgress: &quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("loading fastembed model %s: %w", model, err)
	}
	return &FastEmbedProvider{model: fe, dimension: dim}, nil
}

// EmbedDocuments embeds texts as passages, checking ctx between batches.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += defaultFastEmbedBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+defaultFastEmbedBatch, len(texts))
		vecs, err := p.model.PassageEmbed(texts[start:end], defaultFastEmbedBatch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds text with the query prefix.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

// Dimension returns the model's vector size.
func (p *FastEmbedProvider) Dimension() int { return p.dimension }

// Close releases the ONNX session.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
