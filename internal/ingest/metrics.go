package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "ingest",
		Name:      "records_total",
		Help:      "Ingested records by source system and outcome.",
	}, []string{"source", "outcome"})

	chunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "ingest",
		Name:      "chunks_total",
		Help:      "Chunks produced by ingest.",
	})
)
