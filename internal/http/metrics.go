package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "flatmates"

// Metrics owns a private registry so several servers (tests) can coexist in
// one process.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	ledgerWrites  *prometheus.CounterVec
	ledgerErrors  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	rateLimited   prometheus.Counter
	suspicious    *prometheus.CounterVec
	expensesAdded prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ledgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ledger_writes_total",
			Help:      "Successful ledger writes by operation.",
		}, []string{"operation"}),
		ledgerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ledger_errors_total",
			Help:      "Failed ledger operations by kind (validation, storage, internal).",
		}, []string{"kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Read view cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		suspicious: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "suspicious_requests_total",
			Help:      "Requests flagged by the probe detector.",
		}, []string{"reason"}),
		expensesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expenses_created_total",
			Help:      "Expenses created through this process.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.duration, m.ledgerWrites, m.ledgerErrors,
		m.cacheLookups, m.rateLimited, m.suspicious, m.expensesAdded,
	)
	return m
}

// ObserveRequest matches trace.Observer.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) LedgerWrite(operation string) {
	m.ledgerWrites.WithLabelValues(operation).Inc()
}

func (m *Metrics) LedgerError(kind string) {
	m.ledgerErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

func (m *Metrics) Suspicious(reason string) { m.suspicious.WithLabelValues(reason).Inc() }

func (m *Metrics) ExpenseCreated() { m.expensesAdded.Inc() }

// GaugeFunc registers a gauge sampled at scrape time.
func (m *Metrics) GaugeFunc(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, f))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
