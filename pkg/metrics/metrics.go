package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evapi/pkg/ledger"
)

// Registry owns the gateway's Prometheus collectors and a small per-route
// summary served as JSON.
type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	sessions int64

	reg              *prometheus.Registry
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	sessionsOpen     prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsClosed   prometheus.Counter
	enrollments      *prometheus.CounterVec
	replays          prometheus.Counter
	rateLimited      prometheus.Counter
	outcomesDropped  prometheus.Counter
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt  string                  `json:"generated_at"`
	Endpoints    map[string]EndpointStat `json:"endpoints"`
	OpenSessions int64                   `json:"open_sessions"`
}

var _ ledger.Observer = (*Registry)(nil)

func NewRegistry() *Registry {
	r := &Registry{
		endpoint: map[string]*EndpointStat{},
		reg:      prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evapi_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evapi_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evapi_ledger_operations_total",
			Help: "Ledger operations by name, mode and outcome.",
		}, []string{"operation", "mode", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evapi_ledger_operation_duration_seconds",
			Help:    "Ledger operation latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation", "mode"}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evapi_ledger_sessions_open",
			Help: "Ledger sessions currently open.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evapi_ledger_sessions_opened_total",
			Help: "Ledger sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evapi_ledger_sessions_closed_total",
			Help: "Ledger sessions closed.",
		}),
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evapi_enrollments_total",
			Help: "Certificate authority enrollments by kind and outcome.",
		}, []string{"kind", "outcome"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evapi_idempotent_replays_total",
			Help: "Submit requests refused because their idempotency key was already used.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evapi_rate_limited_total",
			Help: "Requests refused by the rate limiter.",
		}),
		outcomesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evapi_outcomes_dropped_total",
			Help: "Ledger outcomes neither audited nor published because the record queue was full.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests, r.requestDuration,
		r.operations, r.operationLatency,
		r.sessionsOpen, r.sessionsOpened, r.sessionsClosed,
		r.enrollments, r.replays, r.rateLimited, r.outcomesDropped,
	)
	return r
}

// Observe records one finished HTTP request. route is the chi route pattern,
// never the raw path, to keep label cardinality bounded.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	r.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(route).Observe(d.Seconds())

	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[route] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) SessionOpened() {
	r.sessionsOpen.Inc()
	r.sessionsOpened.Inc()
	r.mu.Lock()
	r.sessions++
	r.mu.Unlock()
}

func (r *Registry) SessionClosed() {
	r.sessionsOpen.Dec()
	r.sessionsClosed.Inc()
	r.mu.Lock()
	r.sessions--
	r.mu.Unlock()
}

func (r *Registry) OperationDone(op string, mode ledger.Mode, err error, d time.Duration) {
	outcome := "ok"
	switch {
	case err != nil && ledger.IsTimeout(err):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	r.operations.WithLabelValues(op, mode.String(), outcome).Inc()
	r.operationLatency.WithLabelValues(op, mode.String()).Observe(d.Seconds())
}

func (r *Registry) IncEnrollment(kind, outcome string) {
	r.enrollments.WithLabelValues(kind, outcome).Inc()
}

func (r *Registry) IncReplay() { r.replays.Inc() }

func (r *Registry) IncRateLimited() { r.rateLimited.Inc() }

func (r *Registry) IncOutcomeDropped() { r.outcomesDropped.Inc() }

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		OpenSessions: r.sessions,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	return out
}

// Handler serves the JSON snapshot.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

// PrometheusHandler serves the text exposition format.
func (r *Registry) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
