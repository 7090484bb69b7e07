package index

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/gatewayd/internal/config"
	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"github.com/fyrsmithlabs/gatewayd/internal/sanitize"
	"go.uber.org/zap"
)

// NewStore builds the backend selected by cfg.Provider. dim is the
// embedding dimension the store must accept. Collection names are folded
// into the [a-z0-9_] form both stores require.
func NewStore(ctx context.Context, cfg config.IndexConfig, dim int, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	var (
		s   Store
		err error
	)
	switch cfg.Provider {
	case "memory", "":
		s = NewMemoryStore(dim)
	case "chromem":
		s, err = NewChromemStore(ChromemConfig{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			Collection: sanitize.Identifier(cfg.Chromem.Collection),
			Dimension:  dim,
		}, logger)
	case "qdrant":
		size := cfg.Qdrant.VectorSize
		if size == 0 {
			size = uint64(dim)
		}
		if size != uint64(dim) {
			return nil, fmt.Errorf("%w: qdrant vector_size %d does not match embedding dimension %d", ErrInvalidConfig, size, dim)
		}
		s, err = NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			Collection: sanitize.Identifier(cfg.Qdrant.Collection),
			VectorSize: size,
		})
		if err == nil && !cfg.Qdrant.UseTLS {
			logger.Warn(ctx, "qdrant gRPC using plaintext", zap.String("host", cfg.Qdrant.Host))
		}
	default:
		return nil, fmt.Errorf("%w: unknown index provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	name := cfg.Provider
	if name == "" {
		name = "memory"
	}
	return Instrument(s, name), nil
}
