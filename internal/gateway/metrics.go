package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Requests by final state.",
	}, []string{"state"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "gateway",
		Name:      "retries_total",
		Help:      "Transient provider failures that were retried, by model.",
	}, []string{"model"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatewayd",
		Subsystem: "gateway",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each request stage.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"stage"})
)
