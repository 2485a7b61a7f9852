package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"route", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
	operationsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operations_dispatched_total",
			Help: "Operation rows created by dispatch, by type and dedup action.",
		},
		[]string{"type", "action"},
	)
	operationsReused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operations_reused_total",
			Help: "Scheduled dispatches that reused an existing operation.",
		},
		[]string{"type"},
	)
	dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operation_dispatch_failures_total",
			Help: "Failed dispatches by stage.",
		},
		[]string{"stage"},
	)
	dispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "operation_dispatch_duration_seconds",
			Help:    "Dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	pushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_notification_failures_total",
			Help: "Total push notification failures.",
		},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operation_status_transitions_total",
			Help: "Operation status transitions.",
		},
		[]string{"from", "to"},
	)
	responsesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_responses_ingested_total",
			Help: "Device responses consumed, by result.",
		},
		[]string{"result"},
	)
	scheduledRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_dispatch_runs_total",
			Help: "Scheduled operation dispatch runs, by result.",
		},
		[]string{"result"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	auditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_dropped_total",
			Help: "Audit entries dropped because the write buffer was full or the write failed.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		operationsDispatched, operationsReused, dispatchFailures, dispatchLatency, pushFailures,
		statusTransitions, responsesIngested, scheduledRuns,
		kafkaConsumerLag, influxWriteFailures, auditDropped, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latency per route. The route label
// is the ServeMux pattern that matched, so path parameters such as device ids
// never become label values.
func Instrument(routes *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(routes, r)
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(route, status).Inc()
		httpLatency.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(routes *http.ServeMux, r *http.Request) string {
	if routes == nil {
		return "unmatched"
	}
	if _, pattern := routes.Handler(r); pattern != "" {
		return pattern
	}
	return "unmatched"
}

func AddOperationsDispatched(opType string, action string, n int) {
	if n > 0 {
		operationsDispatched.WithLabelValues(opType, action).Add(float64(n))
	}
}

func AddOperationsReused(opType string, n int) {
	if n > 0 {
		operationsReused.WithLabelValues(opType).Add(float64(n))
	}
}

func IncDispatchFailures(stage string) {
	dispatchFailures.WithLabelValues(stage).Inc()
}

func ObserveDispatchLatency(d time.Duration) {
	dispatchLatency.Observe(d.Seconds())
}

func IncPushFailures() {
	pushFailures.Inc()
}

func IncStatusTransitions(from string, to string) {
	statusTransitions.WithLabelValues(from, to).Inc()
}

func IncResponsesIngested(result string) {
	responsesIngested.WithLabelValues(result).Inc()
}

func IncScheduledRuns(result string) {
	scheduledRuns.WithLabelValues(result).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func AddAuditDropped(n int) {
	if n > 0 {
		auditDropped.Add(float64(n))
	}
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
