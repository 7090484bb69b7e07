package tools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var invocationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "tools",
		Name:      "invocations_total",
		Help:      "Tool invocations by tool and outcome (invalid, preview, pending, executed, aborted, failed, cached)",
	},
	[]string{"tool", "outcome"},
)
