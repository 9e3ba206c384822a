package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "spot"

// Frame outcomes used as the "outcome" label of FramesTotal.
const (
	outcomeClassified = "classified"
	outcomeSkipped    = "skipped"
	outcomeFailed     = "failed"
)

var (
	// FramesTotal counts frames submitted to the executor by outcome.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Frames submitted for classification by outcome",
		},
		[]string{"outcome"},
	)

	// PhaseTransitions counts detection state machine transitions.
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "phase_transitions_total",
			Help:      "Detection phase transitions by source and destination phase",
		},
		[]string{"from", "to"},
	)

	// ModelLoads counts encoder loads by result.
	ModelLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "model_loads_total",
			Help:      "Vision encoder loads by result",
		},
		[]string{"result"},
	)

	ModelLoadSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "model_load_seconds",
			Help:      "Time spent loading and warming the vision encoder",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	InferenceSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "inference_seconds",
			Help:      "Per-frame embedding and classification latency",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ProgressDropped counts load progress updates lost to a full reply
	// buffer.
	ProgressDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "progress_dropped_total",
			Help:      "Load progress updates dropped by status",
		},
		[]string{"status"},
	)

	// Captures counts full-resolution captures and uploads by result.
	Captures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "captures_total",
			Help:      "Full resolution captures by result",
		},
		[]string{"result"},
	)
)
