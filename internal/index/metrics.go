package index

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatewayd",
		Subsystem: "index",
		Name:      "search_duration_seconds",
		Help:      "Vector search latency by store backend.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"store"})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "index",
		Name:      "operations_total",
		Help:      "Store operations by backend, operation and result.",
	}, []string{"store", "operation", "result"})

	chunksWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "index",
		Name:      "chunks_written_total",
		Help:      "Chunks written by store backend.",
	}, []string{"store"})
)

// instrumented records Prometheus metrics around a Store.
type instrumented struct {
	Store
	name string
}

// Instrument wraps s so that every call is counted under name.
func Instrument(s Store, name string) Store {
	return &instrumented{Store: s, name: name}
}

func (i *instrumented) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(i.name, op, result).Inc()
}

func (i *instrumented) UpsertDocument(ctx context.Context, doc Document) error {
	err := i.Store.UpsertDocument(ctx, doc)
	i.observe("upsert_document", err)
	return err
}

func (i *instrumented) UpsertChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	err := i.Store.UpsertChunks(ctx, documentID, chunks)
	i.observe("upsert_chunks", err)
	if err == nil {
		chunksWritten.WithLabelValues(i.name).Add(float64(len(chunks)))
	}
	return err
}

func (i *instrumented) DeleteDocument(ctx context.Context, documentID string) error {
	err := i.Store.DeleteDocument(ctx, documentID)
	i.observe("delete_document", err)
	return err
}

func (i *instrumented) Search(ctx context.Context, embedding []float32, k int, aclAllow []string) ([]Hit, error) {
	start := time.Now()
	hits, err := i.Store.Search(ctx, embedding, k, aclAllow)
	searchDuration.WithLabelValues(i.name).Observe(time.Since(start).Seconds())
	i.observe("search", err)
	return hits, err
}
