// Package metrics holds the Prometheus collectors shared by the server and the inspector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModelLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_model_loads_total",
		Help: "Number of model loads, by format and result",
	}, []string{"format", "result"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_runs_total",
		Help: "Number of inference runs, by execution mode and result",
	}, []string{"mode", "result"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_run_duration_seconds",
		Help:    "Duration of inference runs including record building",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"mode"})

	RecordsCapturedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_records_captured_total",
		Help: "Total number of layer records captured",
	})

	CapturedValuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_captured_values_total",
		Help: "Total number of tensor values held by captured records",
	})

	IdentityResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_identity_resolutions_total",
		Help: "Runtime keys resolved against the model graph, by matching rule",
	}, []string{"rule"})

	CacheKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_cache_keys",
		Help: "Current number of keys in the record cache",
	})

	StreamPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_stream_pending_messages",
		Help: "Messages queued for the stream consumer",
	})

	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_exports_total",
		Help: "Number of record exports, by kind and result",
	}, []string{"kind", "result"})
)

// Result is the label value for an outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
