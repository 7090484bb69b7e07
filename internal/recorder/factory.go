package recorder

import (
	"fmt"

	"github.com/fyrsmithlabs/gatewayd/internal/config"
)

// NewSink builds the sink selected by cfg.Sink.
func NewSink(cfg config.RecorderConfig) (Sink, error) {
	switch cfg.Sink {
	case "", "memory":
		return NewMemorySink(), nil
	case "file":
		return NewFileSink(cfg.FilePath)
	case "nats":
		return NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
	default:
		return nil, fmt.Errorf("unknown recorder sink %q", cfg.Sink)
	}
}
