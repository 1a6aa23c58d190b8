package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	functionLabel = "function"
	outcomeLabel  = "outcome"
	resultLabel   = "result"
)

var (
	invocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bifrost",
		Subsystem: "dispatch",
		Name:      "invocations_total",
		Help:      "Forwarded invocations by function and outcome.",
	}, []string{functionLabel, outcomeLabel})

	invocationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bifrost",
		Subsystem: "dispatch",
		Name:      "invocation_duration_seconds",
		Help:      "Wall-clock time from receipt to response.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{functionLabel})

	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bifrost",
		Subsystem: "dispatch",
		Name:      "in_flight",
		Help:      "Invocations currently being handled.",
	})

	builds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bifrost",
		Subsystem: "build",
		Name:      "builds_total",
		Help:      "Builds run by function and result (success, failure).",
	}, []string{functionLabel, resultLabel})

	buildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bifrost",
		Subsystem: "build",
		Name:      "duration_seconds",
		Help:      "Time spent in builders.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{functionLabel})

	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bifrost",
		Subsystem: "build",
		Name:      "cache_hits_total",
		Help:      "Artifact requests served from the fingerprint cache.",
	}, []string{functionLabel})

	bridgeFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bifrost",
		Subsystem: "bridge",
		Name:      "frames_total",
		Help:      "Bridge frames by direction (in, out) and transport (inline, blob).",
	}, []string{"direction", "transport"})

	bridgePeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bifrost",
		Subsystem: "bridge",
		Name:      "peers",
		Help:      "Connected placeholder stubs.",
	})
)

func init() {
	prometheus.MustRegister(invocations, invocationDuration, inFlight, builds, buildDuration, cacheHits, bridgeFrames, bridgePeers)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func InvocationStarted() { inFlight.Inc() }

func InvocationFinished(function, outcome string, d time.Duration) {
	inFlight.Dec()
	invocations.WithLabelValues(function, outcome).Inc()
	invocationDuration.WithLabelValues(function).Observe(d.Seconds())
}

func BuildFinished(function string, ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	builds.WithLabelValues(function, result).Inc()
	buildDuration.WithLabelValues(function).Observe(d.Seconds())
}

func CacheHit(function string) {
	cacheHits.WithLabelValues(function).Inc()
}

func Frame(direction string, blob bool) {
	transport := "inline"
	if blob {
		transport = "blob"
	}
	bridgeFrames.WithLabelValues(direction, transport).Inc()
}

func SetPeers(n int) {
	bridgePeers.Set(float64(n))
}
