package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptloop_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promptloop_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promptloop_runs_active",
		Help: "Number of optimization runs in progress",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptloop_runs_total",
		Help: "Finished optimization runs by final status",
	}, []string{"status"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptloop_events_total",
		Help: "Optimization loop events by type",
	}, []string{"type"})

	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptloop_validations_total",
		Help: "Candidate validations by strategy and outcome",
	}, []string{"strategy", "outcome"})

	RegressionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptloop_regressions_total",
		Help: "Previously passing examples that failed under a rejected candidate",
	})

	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptloop_commits_total",
		Help: "Accepted prompt versions",
	})

	UnresolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptloop_examples_unresolved_total",
		Help: "Examples that exhausted their retry budget",
	})

	TrainPassRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "promptloop_train_pass_rate",
		Help: "Training pass rate after the latest evaluation",
	}, []string{"run_id"})

	RunIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "promptloop_run_iterations",
		Help:    "Iterations used by finished runs",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
	})

	LLMCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "promptloop_llm_circuit_state",
		Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"name"})
)
