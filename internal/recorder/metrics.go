package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewayd",
			Subsystem: "recorder",
			Name:      "events_total",
			Help:      "Recorder events by result (queued, appended, queue_full, deferred, failed, recovered, dropped)",
		},
		[]string{"result"},
	)

	bufferedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatewayd",
		Subsystem: "recorder",
		Name:      "buffered_events",
		Help:      "Events held in the local degraded-mode buffer",
	})

	degradedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatewayd",
		Subsystem: "recorder",
		Name:      "degraded",
		Help:      "1 while the sink is failing",
	})
)
