package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SuccessRate is the current decayed success rate per model.
	SuccessRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gatewayd",
			Subsystem: "registry",
			Name:      "success_rate",
			Help:      "Exponentially decayed success rate per model",
		},
		[]string{"model"},
	)

	// RankTotal counts ranking calls by result (ok, empty).
	RankTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewayd",
			Subsystem: "registry",
			Name:      "rank_total",
			Help:      "Total number of ranking calls by result",
		},
		[]string{"result"},
	)

	// ModelsLoaded is the size of the active catalog.
	ModelsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gatewayd",
			Subsystem: "registry",
			Name:      "models_loaded",
			Help:      "Number of models in the active catalog",
		},
	)
)
