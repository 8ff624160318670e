package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	providerReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drawingfusion",
			Name:      "provider_requests_total",
			Help:      "Total provider requests by provider, model and result",
		},
		[]string{"provider", "model", "result"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "drawingfusion",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of provider requests by provider and model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	tilesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drawingfusion",
			Name:      "tiles_processed_total",
			Help:      "Total tiles processed by channel and result",
		},
		[]string{"channel", "result"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drawingfusion",
			Name:      "cache_lookups_total",
			Help:      "Run cache lookups by channel and outcome (hit, miss)",
		},
		[]string{"channel", "outcome"},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drawingfusion",
			Name:      "breaker_events_total",
			Help:      "Circuit breaker events by provider, model and action",
		},
		[]string{"provider", "model", "action"},
	)

	runsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drawingfusion",
			Name:      "runs_completed_total",
			Help:      "Analysis runs completed by result (success, partial, failed, cancelled)",
		},
		[]string{"result"},
	)

	dedupRatio = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "drawingfusion",
			Name:      "fusion_dedup_ratio",
			Help:      "Candidates merged away by fusion as a fraction of the candidate pool",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	candidatesPerRun = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "drawingfusion",
			Name:      "fusion_candidates_per_run",
			Help:      "Candidate components entering fusion per run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(providerReqs, providerLatency, tilesProcessed, cacheLookups, breakerEvents, runsCompleted, dedupRatio, candidatesPerRun)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveProvider(provider, model, result string, dur time.Duration) {
	providerReqs.WithLabelValues(provider, model, result).Inc()
	providerLatency.WithLabelValues(provider, model).Observe(dur.Seconds())
}

func IncTile(channel, result string) { tilesProcessed.WithLabelValues(channel, result).Inc() }

func IncCacheHit(channel string)  { cacheLookups.WithLabelValues(channel, "hit").Inc() }
func IncCacheMiss(channel string) { cacheLookups.WithLabelValues(channel, "miss").Inc() }

func BreakerOpened(provider, model string) {
	breakerEvents.WithLabelValues(provider, model, "opened").Inc()
}
func BreakerClosed(provider, model string) {
	breakerEvents.WithLabelValues(provider, model, "closed").Inc()
}

func IncRunCompleted(result string) { runsCompleted.WithLabelValues(result).Inc() }

func ObserveFusion(candidates, canonical int) {
	candidatesPerRun.Observe(float64(candidates))
	if candidates > 0 {
		dedupRatio.Observe(1 - float64(canonical)/float64(candidates))
	}
}
