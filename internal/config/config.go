// Package config provides configuration loading for gatewayd.
//
// Configuration is read from a YAML file and overridden by environment
// variables. Sections that belong to other packages (logging, telemetry)
// are decoded on demand with Config.Section.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the complete gatewayd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Registry   RegistryConfig   `koanf:"registry"`
	Policy     PolicyConfig     `koanf:"policy"`
	Index      IndexConfig      `koanf:"index"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Providers  ProvidersConfig  `koanf:"providers"`
	Tools      ToolsConfig      `koanf:"tools"`
	Recorder   RecorderConfig   `koanf:"recorder"`
	Ingest     IngestConfig     `koanf:"ingest"`

	raw *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// GatewayConfig controls request routing and dispatch.
type GatewayConfig struct {
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	RequestTimeout Duration `koanf:"request_timeout"`
	TokenBudget    int      `koanf:"token_budget"`
	ReserveTokens  int      `koanf:"reserve_tokens"`
	SystemPrompt   string   `koanf:"system_prompt"`
	// ApprovalWait bounds how long a completion waits on a tool approval.
	// Zero returns pending tools immediately.
	ApprovalWait Duration `koanf:"approval_wait"`
}

// RetrievalConfig controls hybrid search fusion.
type RetrievalConfig struct {
	Alpha         float64 `koanf:"alpha"`
	TopK          int     `koanf:"top_k"`
	CandidatePool int     `koanf:"candidate_pool"`
	Rerank        string  `koanf:"rerank"` // none or term_overlap
	RerankWeight  float64 `koanf:"rerank_weight"`
}

// RegistryConfig holds ranking weights and the model catalog.
type RegistryConfig struct {
	CostWeight    float64       `koanf:"cost_weight"`
	LatencyWeight float64       `koanf:"latency_weight"`
	SuccessWeight float64       `koanf:"success_weight"`
	Decay         float64       `koanf:"decay"`
	Models        []ModelConfig `koanf:"models"`
}

// ModelConfig describes one model entry in the catalog.
type ModelConfig struct {
	ID                string   `koanf:"id"`
	Provider          string   `koanf:"provider"`
	Capabilities      []string `koanf:"capabilities"`
	CostPerToken      float64  `koanf:"cost_per_token"`
	BaselineLatencyMs float64  `koanf:"baseline_latency_ms"`
	MaxContextTokens  int      `koanf:"max_context_tokens"`
}

// PolicyConfig points at the routing policy file.
type PolicyConfig struct {
	File  string `koanf:"file"`
	Watch bool   `koanf:"watch"`
}

// IndexConfig selects the chunk store backend.
type IndexConfig struct {
	Provider string        `koanf:"provider"` // memory, chromem, qdrant
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds embedded chromem-go settings.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
	Collection string `koanf:"collection"`
	VectorSize uint64 `koanf:"vector_size"`
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"` // hash, fastembed, openai
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	Dimension int    `koanf:"dimension"`
	CacheDir  string `koanf:"cache_dir"`
}

// ProvidersConfig configures inference backends.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `koanf:"anthropic"`
	OpenAI    OpenAIConfig    `koanf:"openai"`
}

// AnthropicConfig configures the Anthropic messages adapter.
type AnthropicConfig struct {
	Enabled   bool     `koanf:"enabled"`
	BaseURL   string   `koanf:"base_url"`
	APIKey    Secret   `koanf:"api_key"`
	RateLimit float64  `koanf:"rate_limit"` // requests per second
	Burst     int      `koanf:"burst"`
	Timeout   Duration `koanf:"timeout"`
	MaxTokens int      `koanf:"max_tokens"`
}

// OpenAIConfig configures OpenAI-compatible chat backends.
type OpenAIConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"base_url"`
	APIKey  Secret `koanf:"api_key"`
}

// ToolsConfig configures the tool catalog and idempotency ledger.
type ToolsConfig struct {
	Catalog    string `koanf:"catalog"`
	Ledger     string `koanf:"ledger"` // memory, sqlite
	SQLitePath string `koanf:"sqlite_path"`
}

// RecorderConfig configures trace persistence.
type RecorderConfig struct {
	Sink        string `koanf:"sink"` // memory, file, nats
	FilePath    string `koanf:"file_path"`
	NATSURL     string `koanf:"nats_url"`
	NATSSubject string `koanf:"nats_subject"`
	QueueSize   int    `koanf:"queue_size"`
	BufferSize  int    `koanf:"buffer_size"`
}

// IngestConfig controls normalization and chunking.
type IngestConfig struct {
	ChunkSize    int      `koanf:"chunk_size"`
	SourceDir    string   `koanf:"source_dir"`
	SyncInterval Duration `koanf:"sync_interval"`
	Gitleaks     bool     `koanf:"gitleaks"`
}

// Section decodes the config subtree at path into out.
// Used by packages whose config types cannot live here (logging, telemetry).
// A missing subtree leaves out untouched.
func (c *Config) Section(path string, out interface{}) error {
	if c.raw == nil || !c.raw.Exists(path) {
		return nil
	}
	if err := c.raw.Unmarshal(path, out); err != nil {
		return fmt.Errorf("decoding %s section: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Gateway.ApprovalWait < 0 {
		errs = append(errs, fmt.Errorf("gateway.approval_wait must be >= 0"))
	}
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_retries must be >= 0"))
	}
	if c.Gateway.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("gateway.token_budget must be positive"))
	}
	if c.Gateway.ReserveTokens < 0 || c.Gateway.ReserveTokens >= c.Gateway.TokenBudget {
		errs = append(errs, fmt.Errorf("gateway.reserve_tokens must be in [0, token_budget)"))
	}
	if c.Retrieval.Alpha < 0 || c.Retrieval.Alpha > 1 {
		errs = append(errs, fmt.Errorf("retrieval.alpha must be between 0 and 1, got %f", c.Retrieval.Alpha))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive"))
	}
	switch c.Retrieval.Rerank {
	case "", "none", "term_overlap":
	default:
		errs = append(errs, fmt.Errorf("retrieval.rerank must be none or term_overlap, got %q", c.Retrieval.Rerank))
	}
	if c.Retrieval.RerankWeight < 0 || c.Retrieval.RerankWeight > 1 {
		errs = append(errs, fmt.Errorf("retrieval.rerank_weight must be between 0 and 1, got %f", c.Retrieval.RerankWeight))
	}
	if c.Registry.Decay <= 0 || c.Registry.Decay >= 1 {
		errs = append(errs, fmt.Errorf("registry.decay must be in (0, 1), got %f", c.Registry.Decay))
	}

	switch c.Index.Provider {
	case "memory", "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("index.provider must be memory, chromem or qdrant, got %q", c.Index.Provider))
	}
	switch c.Embeddings.Provider {
	case "hash", "fastembed", "openai":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be hash, fastembed or openai, got %q", c.Embeddings.Provider))
	}
	switch c.Tools.Ledger {
	case "memory":
	case "sqlite":
		if c.Tools.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("tools.sqlite_path is required for the sqlite ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("tools.ledger must be memory or sqlite, got %q", c.Tools.Ledger))
	}
	switch c.Recorder.Sink {
	case "memory":
	case "file":
		if c.Recorder.FilePath == "" {
			errs = append(errs, fmt.Errorf("recorder.file_path is required for the file sink"))
		}
	case "nats":
		if c.Recorder.NATSURL == "" {
			errs = append(errs, fmt.Errorf("recorder.nats_url is required for the nats sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("recorder.sink must be memory, file or nats, got %q", c.Recorder.Sink))
	}

	seen := make(map[string]bool, len(c.Registry.Models))
	for i, m := range c.Registry.Models {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("registry.models[%d]: id is required", i))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("registry.models[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
		if m.CostPerToken <= 0 || m.BaselineLatencyMs <= 0 {
			errs = append(errs, fmt.Errorf("registry.models[%d]: cost_per_token and baseline_latency_ms must be positive", i))
		}
	}

	return errors.Join(errs...)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.InitialBackoff == 0 {
		cfg.Gateway.InitialBackoff = Duration(200 * time.Millisecond)
	}
	if cfg.Gateway.MaxBackoff == 0 {
		cfg.Gateway.MaxBackoff = Duration(5 * time.Second)
	}
	if cfg.Gateway.RequestTimeout == 0 {
		cfg.Gateway.RequestTimeout = Duration(60 * time.Second)
	}
	if cfg.Gateway.TokenBudget == 0 {
		cfg.Gateway.TokenBudget = 4096
	}
	if cfg.Gateway.ReserveTokens == 0 {
		cfg.Gateway.ReserveTokens = 512
	}
	if cfg.Gateway.SystemPrompt == "" {
		cfg.Gateway.SystemPrompt = "Answer using only the provided context. Cite chunk ids."
	}

	// alpha 0 is a legal setting (vector only), so only the unset retrieval block gets 0.5
	if cfg.raw == nil || !cfg.raw.Exists("retrieval.alpha") {
		cfg.Retrieval.Alpha = 0.5
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 8
	}
	if cfg.Retrieval.CandidatePool == 0 {
		cfg.Retrieval.CandidatePool = 64
	}
	if cfg.Retrieval.Rerank == "" {
		cfg.Retrieval.Rerank = "none"
	}
	if cfg.Retrieval.RerankWeight == 0 {
		cfg.Retrieval.RerankWeight = 0.5
	}

	if cfg.Registry.CostWeight == 0 && cfg.Registry.LatencyWeight == 0 && cfg.Registry.SuccessWeight == 0 {
		cfg.Registry.CostWeight = 1e-6
		cfg.Registry.LatencyWeight = 100
		cfg.Registry.SuccessWeight = 1
	}
	if cfg.Registry.Decay == 0 {
		cfg.Registry.Decay = 0.2
	}

	if cfg.Index.Provider == "" {
		cfg.Index.Provider = "memory"
	}
	if cfg.Index.Chromem.Path == "" {
		cfg.Index.Chromem.Path = "~/.local/share/gatewayd/index"
	}
	if cfg.Index.Chromem.Collection == "" {
		cfg.Index.Chromem.Collection = "gatewayd_chunks"
	}
	if cfg.Index.Qdrant.Host == "" {
		cfg.Index.Qdrant.Host = "localhost"
	}
	if cfg.Index.Qdrant.Port == 0 {
		cfg.Index.Qdrant.Port = 6334
	}
	if cfg.Index.Qdrant.Collection == "" {
		cfg.Index.Qdrant.Collection = "gatewayd_chunks"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "hash"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384 // bge-small-en-v1.5 dimensions
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Index.Qdrant.VectorSize == 0 {
		cfg.Index.Qdrant.VectorSize = uint64(cfg.Embeddings.Dimension)
	}

	if cfg.Providers.Anthropic.BaseURL == "" {
		cfg.Providers.Anthropic.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Providers.Anthropic.RateLimit == 0 {
		cfg.Providers.Anthropic.RateLimit = 5
	}
	if cfg.Providers.Anthropic.Burst == 0 {
		cfg.Providers.Anthropic.Burst = 1
	}
	if cfg.Providers.Anthropic.Timeout == 0 {
		cfg.Providers.Anthropic.Timeout = Duration(60 * time.Second)
	}
	if cfg.Providers.Anthropic.MaxTokens == 0 {
		cfg.Providers.Anthropic.MaxTokens = 1024
	}

	if cfg.Tools.Ledger == "" {
		cfg.Tools.Ledger = "memory"
	}

	if cfg.Recorder.Sink == "" {
		cfg.Recorder.Sink = "memory"
	}
	if cfg.Recorder.NATSSubject == "" {
		cfg.Recorder.NATSSubject = "gatewayd.traces"
	}
	if cfg.Recorder.QueueSize == 0 {
		cfg.Recorder.QueueSize = 1024
	}
	if cfg.Recorder.BufferSize == 0 {
		cfg.Recorder.BufferSize = 4096
	}

	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 1200
	}
	if cfg.Ingest.SyncInterval == 0 {
		cfg.Ingest.SyncInterval = Duration(time.Minute)
	}
}
