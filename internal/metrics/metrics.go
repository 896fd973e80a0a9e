// Package metrics holds the Prometheus collectors for turn coordination,
// speech synthesis and reply generation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicelab"

var (
	// turnFlushes counts coordinator flushes by trigger (timer, manual).
	turnFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "flushes_total",
			Help:      "Total number of buffered voice turns flushed",
		},
		[]string{"reason"},
	)

	// gateDecisions counts history gate outcomes.
	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "gate_decisions_total",
			Help:      "History gate decisions by outcome",
		},
		[]string{"decision"}, // merged, passthrough, suppressed, published
	)

	itemsRetracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "items_retracted_total",
			Help:      "Provisional history items removed at flush",
		},
	)

	segments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "segments_total",
			Help:      "Synthesized text segments by outcome",
		},
		[]string{"status"}, // ok, skipped, failed, truncated
	)

	frames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "frames_total",
			Help:      "20ms audio frames emitted",
		},
	)

	discardedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "discarded_bytes_total",
			Help:      "Trailing PCM bytes dropped because they did not fill a frame",
		},
	)

	segmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "segment_seconds",
			Help:      "Wall time from request to end of stream per segment",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	llmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Chat completion requests by outcome",
		},
		[]string{"status"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live voice sessions",
		},
	)
)

// Collectors returns every collector in this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		turnFlushes, gateDecisions, itemsRetracted,
		segments, frames, discardedBytes, segmentDuration,
		llmRequests, activeSessions,
	}
}

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func RecordFlush(reason string) {
	turnFlushes.WithLabelValues(reason).Inc()
}

func RecordGateDecision(d string) {
	gateDecisions.WithLabelValues(d).Inc()
}

func RecordRetracted(n int) {
	itemsRetracted.Add(float64(n))
}

func RecordSegment(status string) {
	segments.WithLabelValues(status).Inc()
}

func RecordFrame() {
	frames.Inc()
}

func RecordDiscarded(n int) {
	discardedBytes.Add(float64(n))
}

func RecordSegmentSeconds(s float64) {
	segmentDuration.Observe(s)
}

func RecordLLMRequest(status string) {
	llmRequests.WithLabelValues(status).Inc()
}

func SessionOpened() {
	activeSessions.Inc()
}

func SessionClosed() {
	activeSessions.Dec()
}
