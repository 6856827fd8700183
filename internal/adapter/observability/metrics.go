package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_queries_total",
			Help: "Total number of rate queries by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_query_duration_seconds",
			Help:    "End-to-end rate query duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_cache_lookups_total",
			Help: "Cache decisions on the request side (hit, superset_hit, stale, miss)",
		},
		[]string{"result"},
	)
	DedupDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_dropped_total",
			Help: "Redelivered records absorbed by the dedup ledger",
		},
	)

	BusPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_publishes_total",
			Help: "Records published to the bus by topic and result",
		},
		[]string{"topic", "result"},
	)
	BusConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_consumed_total",
			Help: "Records consumed from the bus by topic",
		},
		[]string{"topic"},
	)
	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Records pushed to the dead-letter topic by reason",
		},
		[]string{"reason"},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Upstream rate-provider calls by result",
		},
		[]string{"result"},
	)
	UpstreamRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream rate-provider call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_requests",
			Help: "In-flight correlated requests awaiting a reply",
		},
	)
	PoolWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_pool_workers",
			Help: "Current worker count in the bounded pool",
		},
	)
	PoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_pool_queue_depth",
			Help: "Tasks waiting in the bounded pool queue",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(CacheLookupsTotal)
	prometheus.MustRegister(DedupDroppedTotal)
	prometheus.MustRegister(BusPublishesTotal)
	prometheus.MustRegister(BusConsumedTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(PendingRequests)
	prometheus.MustRegister(PoolWorkers)
	prometheus.MustRegister(PoolQueueDepth)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveQuery records the outcome and latency of one edge query.
func ObserveQuery(kind, outcome string, dur time.Duration) {
	QueriesTotal.WithLabelValues(kind, outcome).Inc()
	QueryDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

// RecordCacheLookup records the request-side cache decision.
func RecordCacheLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordDedupDrop counts one absorbed redelivery.
func RecordDedupDrop() {
	DedupDroppedTotal.Inc()
}

// RecordPublish counts one producer publish attempt.
func RecordPublish(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	BusPublishesTotal.WithLabelValues(topic, result).Inc()
}

// RecordConsumed counts one consumed record.
func RecordConsumed(topic string) {
	BusConsumedTotal.WithLabelValues(topic).Inc()
}

// RecordDeadLetter counts one dead-lettered record.
func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

// ObserveUpstream records one upstream provider call.
func ObserveUpstream(err error, dur time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	UpstreamRequestsTotal.WithLabelValues(result).Inc()
	UpstreamRequestDuration.Observe(dur.Seconds())
}

// SetPendingRequests publishes the correlator table size.
func SetPendingRequests(n int) {
	PendingRequests.Set(float64(n))
}

// SetPoolStats publishes the worker pool gauges.
func SetPoolStats(workers, queued int) {
	PoolWorkers.Set(float64(workers))
	PoolQueueDepth.Set(float64(queued))
}
