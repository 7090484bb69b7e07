// Gatewayd is a policy-aware inference gateway with an HTTP transport.
//
// It resolves routing policy per request, picks a model from the registry,
// grounds the prompt with hybrid retrieval over ingested records and runs
// model-requested tools behind an approval gate.
//
// Configuration is loaded from a YAML file and GATEWAYD_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with ~/.config/gatewayd/config.yaml
//	gatewayd
//
//	# Use another file and port
//	GATEWAYD_SERVER_HTTP_PORT=9090 gatewayd -config ./gatewayd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/gatewayd/internal/config"
	"github.com/fyrsmithlabs/gatewayd/internal/embeddings"
	"github.com/fyrsmithlabs/gatewayd/internal/gateway"
	gwhttp "github.com/fyrsmithlabs/gatewayd/internal/http"
	"github.com/fyrsmithlabs/gatewayd/internal/index"
	"github.com/fyrsmithlabs/gatewayd/internal/ingest"
	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"github.com/fyrsmithlabs/gatewayd/internal/planner"
	"github.com/fyrsmithlabs/gatewayd/internal/policy"
	"github.com/fyrsmithlabs/gatewayd/internal/provider"
	"github.com/fyrsmithlabs/gatewayd/internal/recorder"
	"github.com/fyrsmithlabs/gatewayd/internal/redact"
	"github.com/fyrsmithlabs/gatewayd/internal/registry"
	"github.com/fyrsmithlabs/gatewayd/internal/reranker"
	"github.com/fyrsmithlabs/gatewayd/internal/retrieval"
	"github.com/fyrsmithlabs/gatewayd/internal/sanitize"
	"github.com/fyrsmithlabs/gatewayd/internal/telemetry"
	"github.com/fyrsmithlabs/gatewayd/internal/tools"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/gatewayd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  gatewayd [-config path]   Start the gateway daemon\n")
			fmt.Fprintf(os.Stderr, "  gatewayd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("gatewayd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts gatewayd and blocks until ctx is cancelled.
//
//  1. Validates configuration
//  2. Initializes telemetry and the logger
//  3. Builds the index, embedder, providers and recorder
//  4. Loads policy, the model registry and the tool catalog
//  5. Starts the HTTP server plus the policy watcher and ingest loop
//  6. Shuts everything down when ctx ends
func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("telemetry", telCfg); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // best effort
	}()
	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("error", h.Error))
	}

	logger.Info(ctx, "starting gatewayd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("index", cfg.Index.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("recorder", cfg.Recorder.Sink),
	)

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close(logger)

	gw, err := gateway.New(gateway.Config{
		Policy:         deps.policy,
		Registry:       deps.registry,
		Providers:      deps.providers,
		Planner:        deps.planner,
		Retriever:      deps.retriever,
		Tools:          deps.tools,
		Recorder:       deps.recorder,
		Logger:         logger,
		MaxRetries:     cfg.Gateway.MaxRetries,
		InitialBackoff: cfg.Gateway.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Gateway.MaxBackoff.Duration(),
		RequestTimeout: cfg.Gateway.RequestTimeout.Duration(),
		TokenBudget:    cfg.Gateway.TokenBudget,
		TopK:           cfg.Retrieval.TopK,
		MaxTokens:      cfg.Providers.Anthropic.MaxTokens,
		ApprovalWait:   cfg.Gateway.ApprovalWait.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	srv, err := gwhttp.NewServer(gwhttp.Deps{
		Gateway:   gw,
		Retriever: deps.retriever,
		Syncer:    deps.syncer,
		Tools:     deps.tools,
		Policy:    deps.policy,
		Registry:  deps.registry,
		Recorder:  deps.recorder,
		Telemetry: tel,
	}, logger, &gwhttp.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if terr := tel.Shutdown(shutdownCtx); terr != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(terr))
		}
		return err
	})
	if cfg.Policy.File != "" && cfg.Policy.Watch {
		w, err := policy.NewWatcher(deps.policy, cfg.Policy.File, logger)
		if err != nil {
			return fmt.Errorf("failed to watch policy file: %w", err)
		}
		g.Go(func() error { return ignoreCanceled(w.Run(gctx)) })
	}
	if cfg.Ingest.SourceDir != "" {
		dir, err := sanitize.ValidatePath(cfg.Ingest.SourceDir, "")
		if err != nil {
			return fmt.Errorf("ingest.source_dir: %w", err)
		}
		conn := ingest.NewFileConnector(dir)
		g.Go(func() error {
			return ignoreCanceled(deps.syncer.Watch(gctx, conn, cfg.Ingest.SyncInterval.Duration()))
		})
	}

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Uint64("policy_version", deps.policy.Version()),
		zap.Int("models", len(deps.registry.Models())),
		zap.Int("tools", len(deps.tools.Catalog().List())),
	)
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dependencies holds everything the gateway and server share.
type dependencies struct {
	embedder  embeddings.Provider
	index     *retrieval.Index
	retriever *retrieval.Retriever
	syncer    *ingest.Syncer
	providers *provider.Set
	planner   *planner.Planner
	policy    *policy.Store
	registry  *registry.Registry
	tools     *tools.Executor
	recorder  *recorder.Recorder
}

// Close flushes the recorder and releases stores in reverse start order.
func (d *dependencies) Close(logger *logging.Logger) {
	ctx := context.Background()
	if d.recorder != nil {
		if err := d.recorder.Close(ctx); err != nil {
			logger.Warn(ctx, "recorder close failed", zap.Error(err))
		}
	}
	if d.tools != nil {
		if err := d.tools.Close(); err != nil {
			logger.Warn(ctx, "tool ledger close failed", zap.Error(err))
		}
	}
	if d.index != nil {
		if err := d.index.Close(); err != nil {
			logger.Warn(ctx, "index close failed", zap.Error(err))
		}
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
	}
}

// initDependencies builds stores and services from cfg. On error, anything
// already opened is closed.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *dependencies, err error) {
	d := &dependencies{}
	defer func() {
		if err != nil {
			d.Close(logger)
		}
	}()

	d.embedder, err = embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	store, err := index.NewStore(ctx, cfg.Index, d.embedder.Dimension(), logger)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	d.index = retrieval.NewIndex(store)
	rr, err := reranker.New(cfg.Retrieval.Rerank, cfg.Retrieval.RerankWeight)
	if err != nil {
		return nil, fmt.Errorf("reranker: %w", err)
	}
	d.retriever, err = retrieval.New(d.index, d.embedder, retrieval.Config{
		Alpha:         cfg.Retrieval.Alpha,
		CandidatePool: cfg.Retrieval.CandidatePool,
		Reranker:      rr,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	logger.Info(ctx, "index initialized",
		zap.String("provider", cfg.Index.Provider),
		zap.Int("dimension", d.embedder.Dimension()))

	redactCfg := redact.DefaultConfig()
	if err := cfg.Section("redaction", redactCfg); err != nil {
		return nil, fmt.Errorf("redaction config: %w", err)
	}
	redactCfg.Gitleaks = redactCfg.Gitleaks || cfg.Ingest.Gitleaks
	redactor, err := redact.New(redactCfg)
	if err != nil {
		return nil, err
	}
	d.syncer, err = ingest.NewSyncer(ingest.SyncerConfig{
		Normalizer: ingest.NewNormalizer(nil, redactor),
		Chunker:    ingest.NewChunker(cfg.Ingest.ChunkSize),
		Embedder:   d.embedder,
		Indexer:    d.index,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	d.providers, err = provider.FromConfig(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}
	d.planner, err = planner.New(planner.Config{
		SystemPrompt: cfg.Gateway.SystemPrompt,
		Reserve:      cfg.Gateway.ReserveTokens,
	})
	if err != nil {
		return nil, err
	}

	var rules []policy.Rule
	if cfg.Policy.File != "" {
		rules, err = policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
	} else {
		logger.Warn(ctx, "no policy file configured, all requests will be denied")
	}
	d.policy, err = policy.NewStore(rules)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	d.registry, err = registry.FromConfig(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	for _, m := range d.registry.Models() {
		if _, err := d.providers.Get(m.Provider); err != nil {
			logger.Warn(ctx, "model has no enabled provider", zap.String("model", m.ID), zap.String("provider", m.Provider))
		}
	}

	sink, err := recorder.NewSink(cfg.Recorder)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	d.recorder = recorder.New(sink, recorder.Config{
		QueueSize:  cfg.Recorder.QueueSize,
		BufferSize: cfg.Recorder.BufferSize,
		Logger:     logger,
	})

	catalog, err := loadCatalog(cfg.Tools.Catalog)
	if err != nil {
		return nil, fmt.Errorf("tool catalog: %w", err)
	}
	var ledger tools.Ledger
	if cfg.Tools.Ledger == "sqlite" {
		path, err := sanitize.ValidatePath(cfg.Tools.SQLitePath, "")
		if err != nil {
			return nil, fmt.Errorf("tools.sqlite_path: %w", err)
		}
		if ledger, err = tools.NewSQLiteLedger(path); err != nil {
			return nil, fmt.Errorf("tool ledger: %w", err)
		}
	}
	d.tools, err = tools.NewExecutor(tools.ExecutorConfig{
		Catalog:  catalog,
		Ledger:   ledger,
		Recorder: d.recorder,
		Logger:   logger,
	})
	if err != nil {
		if ledger != nil {
			_ = ledger.Close()
		}
		return nil, err
	}
	return d, nil
}

func loadCatalog(path string) (*tools.Catalog, error) {
	if path == "" {
		return tools.NewCatalog()
	}
	return tools.LoadCatalog(path)
}
