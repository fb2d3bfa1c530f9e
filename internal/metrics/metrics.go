package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebot_runs_total",
			Help: "Total number of orchestration runs by final state",
		},
		[]string{"provider", "final_state", "failed_in"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradebot_run_duration_seconds",
			Help:    "End-to-end run duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradebot_step_duration_seconds",
			Help:    "Duration of each state transition in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"state"},
	)

	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebot_inference_requests_total",
			Help: "Total number of paid inference requests sent to providers",
		},
		[]string{"provider", "model", "status"},
	)

	ValidationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebot_validation_results_total",
			Help: "Provider response validation outcomes",
		},
		[]string{"provider", "result"},
	)

	DepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebot_ledger_deposits_total",
			Help: "Total number of ledger funding operations",
		},
		[]string{"operation", "status"},
	)

	LedgerBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradebot_ledger_balance",
			Help: "Last confirmed ledger balance",
		},
		[]string{"address", "unit"},
	)

	MetadataCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradebot_metadata_cache_hits_total",
			Help: "Total number of provider metadata cache hits",
		},
	)

	MetadataCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradebot_metadata_cache_misses_total",
			Help: "Total number of provider metadata cache misses",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebot_rate_limit_hits_total",
			Help: "Total number of run requests rejected by the rate limiter",
		},
		[]string{"signer"},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradebot_active_runs",
			Help: "Number of runs currently in progress",
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradebot_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"mode", "version"},
	)
)

func RecordRun(provider, finalState, failedIn string, durationSec float64) {
	RunsTotal.WithLabelValues(provider, finalState, failedIn).Inc()
	RunDuration.WithLabelValues(provider).Observe(durationSec)
}

func RecordStep(state string, durationSec float64) {
	StepDuration.WithLabelValues(state).Observe(durationSec)
}

func RecordInference(provider, model, status string) {
	InferenceRequests.WithLabelValues(provider, model, status).Inc()
}

func RecordValidation(provider string, valid bool) {
	result := "rejected"
	if valid {
		result = "accepted"
	}
	ValidationResults.WithLabelValues(provider, result).Inc()
}

func RecordFunding(operation, status string) {
	DepositsTotal.WithLabelValues(operation, status).Inc()
}

func SetLedgerBalance(address, unit string, balance float64) {
	LedgerBalance.WithLabelValues(address, unit).Set(balance)
}

func RecordMetadataCache(hit bool) {
	if hit {
		MetadataCacheHits.Inc()
		return
	}
	MetadataCacheMisses.Inc()
}

func RecordRateLimitHit(signer string) {
	RateLimitHits.WithLabelValues(signer).Inc()
}

// InitInstanceMetrics should be called once at startup.
func InitInstanceMetrics(mode, version string) {
	InstanceInfo.WithLabelValues(mode, version).Set(1)
}
