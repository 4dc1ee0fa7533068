package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	chunkLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "psg_viewer",
			Subsystem: "chunks",
			Name:      "lookups_total",
			Help:      "Chunk lookups, partitioned by result (hit, miss, shared).",
		},
		[]string{"result"},
	)

	chunkFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "psg_viewer",
			Subsystem: "chunks",
			Name:      "fetches_total",
			Help:      "Signal window retrievals issued to the analysis service, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	chunkFetchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "psg_viewer",
			Subsystem: "chunks",
			Name:      "fetch_seconds",
			Help:      "Signal window retrieval latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	chunkEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "psg_viewer",
			Subsystem: "chunks",
			Name:      "evictions_total",
			Help:      "Chunks evicted to stay within the sample budget.",
		},
	)

	chunkStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "psg_viewer",
			Subsystem: "chunks",
			Name:      "stale_responses_total",
			Help:      "Responses cached but not applied because the viewport moved on.",
		},
	)

	cachedSamples = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "psg_viewer",
			Subsystem: "chunks",
			Name:      "cached_samples",
			Help:      "Samples currently held by the chunk cache.",
		},
	)

	analysisRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "psg_viewer",
			Name:      "analysis_runs_total",
			Help:      "AHI analysis payloads processed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "psg_viewer",
			Name:      "active_sessions",
			Help:      "Browsing sessions currently open.",
		},
	)
)

// Register attaches psg-viewer collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		chunkLookupsTotal,
		chunkFetchesTotal,
		chunkFetchSeconds,
		chunkEvictionsTotal,
		chunkStaleTotal,
		cachedSamples,
		analysisRunsTotal,
		activeSessions,
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

// ObserveLookup counts a cache hit, miss, or attachment to an in-flight fetch.
func ObserveLookup(result string) {
	chunkLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveFetch records a retrieval duration and outcome label.
func ObserveFetch(duration time.Duration, outcome string) {
	chunkFetchesTotal.WithLabelValues(normaliseOutcome(outcome)).Inc()
	if duration < 0 {
		duration = 0
	}
	chunkFetchSeconds.Observe(duration.Seconds())
}

// ObserveEvictions adds n evicted chunks.
func ObserveEvictions(n int) {
	if n > 0 {
		chunkEvictionsTotal.Add(float64(n))
	}
}

// ObserveStale counts a response that arrived after the viewport moved on.
func ObserveStale() {
	chunkStaleTotal.Inc()
}

// SetCachedSamples reports the current cache occupancy.
func SetCachedSamples(n int64) {
	cachedSamples.Set(float64(n))
}

// ObserveAnalysis counts an analysis payload by outcome.
func ObserveAnalysis(outcome string) {
	analysisRunsTotal.WithLabelValues(normaliseOutcome(outcome)).Inc()
}

// SessionOpened and SessionClosed track live sessions.
func SessionOpened() { activeSessions.Inc() }

func SessionClosed() { activeSessions.Dec() }

func normaliseOutcome(outcome string) string {
	if outcome != OutcomeError {
		return OutcomeSuccess
	}
	return OutcomeError
}
