// Package metrics exposes Slotify's Prometheus metrics.
//
// Every Registry owns its own prometheus.Registry, so tests and multiple
// servers in one process never collide on the global default registry.
//
//	slotify_operations_total{op,branch,result}      scheduler calls by outcome
//	slotify_operation_duration_seconds{op}          scheduler call latency
//	slotify_tokens_admitted_total{branch,category}  admissions per category
//	slotify_urgency_score                           distribution of admit scores
//	slotify_active_tokens{branch}                   queue depth at scrape time
//	slotify_events_*                                dispatcher counters
//	slotify_http_requests_total{method,path,status}
//	slotify_http_request_duration_seconds{method,path}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slotify"

// Result labels for OperationsTotal.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected" // validation, not-found, invalid state, empty queue
	ResultConflict = "conflict"
	ResultTimeout  = "timeout"
	ResultError    = "error"
)

// Registry holds all Slotify application metrics.
type Registry struct {
	reg *prometheus.Registry

	Operations   *prometheus.CounterVec
	OpDuration   *prometheus.HistogramVec
	Admitted     *prometheus.CounterVec
	UrgencyScore prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Scheduler operations by outcome.",
		}, []string{"op", "branch", "result"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Scheduler operation latency, lock wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		Admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_admitted_total",
			Help:      "Tokens admitted per branch and category.",
		}, []string{"branch", "category"}),
		UrgencyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "urgency_score",
			Help:      "Urgency scores assigned at admission.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	r.reg.MustRegister(
		r.Operations, r.OpDuration, r.Admitted, r.UrgencyScore,
		r.HTTPRequests, r.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveOp records one scheduler call.
func (r *Registry) ObserveOp(op, branch, result string, d time.Duration) {
	r.Operations.WithLabelValues(op, branch, result).Inc()
	r.OpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveAdmit records the outcome of scoring a newly admitted token.
func (r *Registry) ObserveAdmit(branch, category string, score float64) {
	r.Admitted.WithLabelValues(branch, category).Inc()
	r.UrgencyScore.Observe(score)
}

// ObserveHTTP records one served request. path must be the route pattern,
// never the raw URL, to keep label cardinality bounded.
func (r *Registry) ObserveHTTP(method, path string, status int, d time.Duration) {
	r.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// ─── Scrape-time collectors ───────────────────────────────────────────────────

// DispatcherStats is the read side of the event dispatcher.
type DispatcherStats interface {
	Pending() int
	Dropped() uint64
	Delivered() uint64
	Failed() uint64
}

// RegisterDispatcher exports d's counters, read on every scrape.
func (r *Registry) RegisterDispatcher(d DispatcherStats) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "events_pending",
			Help: "Events buffered and not yet delivered.",
		}, func() float64 { return float64(d.Pending()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events discarded because the buffer was full.",
		}, func() float64 { return float64(d.Dropped()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_delivered_total",
			Help: "Events accepted by the sinks.",
		}, func() float64 { return float64(d.Delivered()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_failed_total",
			Help: "Event deliveries that returned an error.",
		}, func() float64 { return float64(d.Failed()) }),
	)
}

// DeadLetterStats is the read side of the dead-letter store.
type DeadLetterStats interface {
	Len() int
	Discarded() uint64
}

// RegisterDeadLetters exports the dead-letter store's size.
func (r *Registry) RegisterDeadLetters(s DeadLetterStats) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dead_letters",
			Help: "Failed event deliveries held for replay.",
		}, func() float64 { return float64(s.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_discarded_total",
			Help: "Dead letters lost because the store was full.",
		}, func() float64 { return float64(s.Discarded()) }),
	)
}

// DepthFunc returns the number of active tokens per branch.
type DepthFunc func() map[string]int

// RegisterQueueDepth exports slotify_active_tokens, computed by fn on every
// scrape.
func (r *Registry) RegisterQueueDepth(fn DepthFunc) {
	r.reg.MustRegister(&depthCollector{
		fn: fn,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_tokens"),
			"Tokens waiting in each branch's active queue.",
			[]string{"branch"}, nil,
		),
	})
}

type depthCollector struct {
	fn   DepthFunc
	desc *prometheus.Desc
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	for branch, n := range c.fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), branch)
	}
}
