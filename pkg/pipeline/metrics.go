package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbi_pipeline_stages_total",
			Help: "Total number of pipeline stage executions by outcome",
		},
		[]string{"stage", "outcome"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbi_pipeline_sessions_active",
			Help: "Number of live conversation sessions",
		},
	)

	sessionsTerminated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbi_pipeline_sessions_terminated_total",
			Help: "Total number of sessions terminated after repeated errors",
		},
	)

	recoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbi_pipeline_recoveries_total",
			Help: "Total number of SQL recovery attempts by error kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func stageOutcome(stage Stage, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	stagesTotal.WithLabelValues(string(stage), outcome).Inc()
}
