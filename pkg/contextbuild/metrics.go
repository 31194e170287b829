package contextbuild

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var modulesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatbi_context_modules_total",
		Help: "Total number of context-module admission decisions by outcome",
	},
	[]string{"module", "outcome"},
)
