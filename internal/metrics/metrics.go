package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreResult captures what a cache store lookup found.
type StoreResult string

const (
	StoreHit      StoreResult = "hit"
	StoreMissing  StoreResult = "missing"
	StoreEmpty    StoreResult = "empty"
	StoreStale    StoreResult = "stale"
	StoreError    StoreResult = "error"
	StoreRejected StoreResult = "rejected"
)

// GateResult captures the answer produced by the auth gate.
type GateResult string

const (
	GateVerified GateResult = "verified"
	GateRejected GateResult = "rejected"
	GateError    GateResult = "error"
	GateCached   GateResult = "cached"
)

// VerdictOperation identifies the verdict cache method being instrumented.
type VerdictOperation string

const (
	VerdictLookup VerdictOperation = "lookup"
	VerdictStore  VerdictOperation = "store"
)

// Recorder publishes Prometheus metrics for the read path.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	storeLookups    *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
	gateChecks      *prometheus.CounterVec
	verdictCacheOps *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagecache",
		Name:      "requests_total",
		Help:      "Requests classified by the decision engine.",
	}, []string{"decision", "reason"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pagecache",
		Name:      "request_duration_seconds",
		Help:      "Time spent deciding and, on HIT, serving a request.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"decision"})

	storeLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagecache",
		Subsystem: "store",
		Name:      "lookups_total",
		Help:      "Cache store lookups by result.",
	}, []string{"result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pagecache",
		Subsystem: "store",
		Name:      "lookup_duration_seconds",
		Help:      "Latency distribution for cache store lookups.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"result"})

	gateChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagecache",
		Subsystem: "authgate",
		Name:      "checks_total",
		Help:      "Second-factor checks answered by the auth gate.",
	}, []string{"result"})

	verdictCacheOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagecache",
		Subsystem: "verdict_cache",
		Name:      "operations_total",
		Help:      "Auth verdict cache operations.",
	}, []string{"operation", "result"})

	reg.MustRegister(requests, requestLatency, storeLookups, storeLatency, gateChecks, verdictCacheOps)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		requestLatency:  requestLatency,
		storeLookups:    storeLookups,
		storeLatency:    storeLatency,
		gateChecks:      gateChecks,
		verdictCacheOps: verdictCacheOps,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the decision reached for a request and how long it took.
func (r *Recorder) ObserveRequest(decision, reason string, duration time.Duration) {
	if r == nil {
		return
	}
	decisionLabel := normalizeLabel(decision)
	r.requests.WithLabelValues(decisionLabel, normalizeLabel(reason)).Inc()
	r.requestLatency.WithLabelValues(decisionLabel).Observe(duration.Seconds())
}

// ObserveStoreLookup records a cache store lookup.
func (r *Recorder) ObserveStoreLookup(result StoreResult, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(string(result))
	r.storeLookups.WithLabelValues(label).Inc()
	r.storeLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveGateCheck records a single auth gate answer.
func (r *Recorder) ObserveGateCheck(result GateResult) {
	if r == nil {
		return
	}
	r.gateChecks.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObserveVerdictCache records a verdict cache lookup or store; result is hit, miss, stored or error.
func (r *Recorder) ObserveVerdictCache(operation VerdictOperation, result string) {
	if r == nil {
		return
	}
	op := string(operation)
	if op == "" {
		op = string(VerdictLookup)
	}
	r.verdictCacheOps.WithLabelValues(op, normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
