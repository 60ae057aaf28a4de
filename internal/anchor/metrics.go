package anchor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	anchorsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sovereign_anchors_created_total",
		Help: "Total anchors created and persisted.",
	})

	backendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sovereign_backend_failures_total",
		Help: "Total anchor submission failures by backend.",
	}, []string{"backend"})
)
