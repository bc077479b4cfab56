package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// FailureTimeout labels detectors that exceeded their budget.
	FailureTimeout = "timeout"
	// FailureFault labels detectors that errored or panicked.
	FailureFault = "fault"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Name:      "decisions_total",
			Help:      "Total classification decisions, partitioned by action.",
		},
		[]string{"action"},
	)

	classificationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "verdict",
			Name:      "classification_seconds",
			Help:      "End-to-end classification latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	waveExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Name:      "wave_executions_total",
			Help:      "Detector waves executed, partitioned by wave name.",
		},
		[]string{"wave"},
	)

	detectorFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Name:      "detector_failures_total",
			Help:      "Detector executions that timed out or faulted.",
		},
		[]string{"detector", "kind"},
	)

	storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Name:      "reputation_store_ops_total",
			Help:      "Reputation store operations, partitioned by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	feedbackDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Name:      "feedback_dropped_total",
			Help:      "Learning feedback events dropped because the queue was full.",
		},
	)
)

// Register attaches verdict-engine collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		decisionsTotal,
		classificationSeconds,
		waveExecutionsTotal,
		detectorFailuresTotal,
		storeOpsTotal,
		feedbackDroppedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDecision records one classification outcome and its latency.
func ObserveDecision(action string, duration time.Duration) {
	decisionsTotal.WithLabelValues(action).Inc()
	if duration < 0 {
		duration = 0
	}
	classificationSeconds.Observe(duration.Seconds())
}

// ObserveWave counts one executed wave.
func ObserveWave(wave string) {
	waveExecutionsTotal.WithLabelValues(wave).Inc()
}

// ObserveDetectorFailure counts a contained detector failure.
func ObserveDetectorFailure(detector, kind string) {
	detectorFailuresTotal.WithLabelValues(detector, kind).Inc()
}

// ObserveStoreOp counts a reputation store operation.
func ObserveStoreOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeOpsTotal.WithLabelValues(op, outcome).Inc()
}

// IncFeedbackDropped counts a dropped learning feedback event.
func IncFeedbackDropped() {
	feedbackDroppedTotal.Inc()
}
