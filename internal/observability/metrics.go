package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orderflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the producer API.",
		},
		[]string{"kind"},
	)

	TasksStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "tasks_started_total",
			Help:      "Task attempts started by workers.",
		},
		[]string{"kind"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "tasks_completed_total",
			Help:      "Tasks completed successfully.",
		},
		[]string{"kind"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "tasks_failed_total",
			Help:      "Task attempts failed, by retry disposition.",
		},
		[]string{"kind", "reason"},
	)

	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "tasks_dead_lettered_total",
			Help:      "Tasks moved to the dead-letter channel.",
		},
		[]string{"kind"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orderflow",
			Name:      "task_duration_seconds",
			Help:      "Task handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orderflow",
			Name:      "queue_depth",
			Help:      "Unconsumed tasks per kind, as reported by the broker.",
		},
		[]string{"kind"},
	)

	DeadLetterDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orderflow",
			Name:      "dead_letter_depth",
			Help:      "Messages sitting in the dead-letter channel.",
		},
	)

	ScheduleFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "schedule_fires_total",
			Help:      "Scheduled fires recorded and enqueued.",
		},
		[]string{"schedule"},
	)

	ScheduleConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "schedule_conflicts_total",
			Help:      "Duplicate fires detected and suppressed.",
		},
		[]string{"schedule"},
	)

	ImportRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "import_records_total",
			Help:      "Catalog feed records by upsert outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	// MustRegister is safe to call once; if tests call multiple times, use Register and ignore errors.
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksSubmittedTotal,
		TasksStartedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TasksDeadLetteredTotal,
		TaskDuration,
		QueueDepth,
		DeadLetterDepth,
		ScheduleFiresTotal,
		ScheduleConflictsTotal,
		ImportRecordsTotal,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records basic HTTP request metrics.
func HTTPMetricsMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r)

			route := routeName(r)
			method := r.Method
			status := strconv.Itoa(rec.status)

			HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
			HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
		})
	}
}
