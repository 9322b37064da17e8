package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_turns_total",
			Help: "Total number of conversation turns by outcome.",
		},
		[]string{"outcome"},
	)
	generationLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_generation_latency_ms",
			Help:    "SQL generation latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		},
	)
	executionLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_execution_latency_ms",
			Help:    "Generated SQL execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
	)
	resultRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_result_rows",
			Help:    "Number of rows returned per successful turn.",
			Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
		},
	)
	titleDerivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_title_derivations_total",
			Help: "Total number of conversation titles derived from the first exchange.",
		},
	)
	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_exports_total",
			Help: "Total number of conversation exports by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		generationLatencyMs,
		executionLatencyMs,
		resultRows,
		titleDerivationsTotal,
		exportsTotal,
	)
}

func ObserveTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

func ObserveGeneration(elapsed time.Duration) {
	generationLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveExecution(elapsed time.Duration, rows int) {
	executionLatencyMs.Observe(float64(elapsed.Milliseconds()))
	if rows >= 0 {
		resultRows.Observe(float64(rows))
	}
}

func IncrementTitleDerivation() {
	titleDerivationsTotal.Inc()
}

func ObserveExport(status string) {
	exportsTotal.WithLabelValues(status).Inc()
}
