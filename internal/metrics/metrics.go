// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runsCreatedCounter       prometheus.Counter
	runOutcomesCounter       *prometheus.CounterVec
	attemptRetriesCounter    prometheus.Counter
	deadLettersCounter       prometheus.Counter
	replaysCounter           prometheus.Counter
	streamClientsGauge       prometheus.Gauge
	workflowStepDurationHist prometheus.Histogram
)

// Run outcomes as counted at the worker.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeDeadLettered = "dead_lettered"
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runsCreatedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runs_created_total",
				Help: "Total number of runs created via the API.",
			},
		)

		runOutcomesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "run_outcomes_total",
				Help: "Total number of terminal run outcomes by result.",
			},
			[]string{"outcome"},
		)

		attemptRetriesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "run_attempt_retries_total",
				Help: "Total number of run attempts redelivered after a failure.",
			},
		)

		deadLettersCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dead_letters_published_total",
				Help: "Total number of dead-letter records published.",
			},
		)

		replaysCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "run_replays_total",
				Help: "Total number of replay requests accepted by the API.",
			},
		)

		streamClientsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "event_stream_clients",
				Help: "Number of connected run event stream (SSE) clients.",
			},
		)

		workflowStepDurationHist = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "workflow_step_duration_seconds",
				Help:    "Duration of demo workflow steps in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			runsCreatedCounter,
			runOutcomesCounter,
			attemptRetriesCounter,
			deadLettersCounter,
			replaysCounter,
			streamClientsGauge,
			workflowStepDurationHist,
		)

		// Ensure the outcome vector is visible at /metrics before the first
		// terminal run.
		for _, outcome := range []string{OutcomeSucceeded, OutcomeDeadLettered} {
			runOutcomesCounter.WithLabelValues(outcome)
		}
	})
}

func IncRunCreated() {
	Init()
	runsCreatedCounter.Inc()
}

func IncRunOutcome(outcome string) {
	Init()
	runOutcomesCounter.WithLabelValues(outcome).Inc()
}

func IncAttemptRetry() {
	Init()
	attemptRetriesCounter.Inc()
}

func IncDeadLetterPublished() {
	Init()
	deadLettersCounter.Inc()
}

func IncReplay() {
	Init()
	replaysCounter.Inc()
}

func IncStreamClients() {
	Init()
	streamClientsGauge.Inc()
}

func DecStreamClients() {
	Init()
	streamClientsGauge.Dec()
}

func ObserveWorkflowStepDuration(d time.Duration) {
	Init()
	workflowStepDurationHist.Observe(d.Seconds())
}
