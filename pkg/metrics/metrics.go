package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Database metrics
	KeysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flaxkv_keys_total",
			Help: "Visible keys per database (committed plus buffered)",
		},
		[]string{"db"},
	)

	BufferedKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flaxkv_buffered_keys",
			Help: "Keys waiting in the put-buffer per database",
		},
		[]string{"db"},
	)

	MarkedDeletes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flaxkv_marked_deletes",
			Help: "Keys waiting in the delete-buffer per database",
		},
		[]string{"db"},
	)

	FlushSeq = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flaxkv_flush_seq",
			Help: "Committed flush batches per database",
		},
		[]string{"db"},
	)

	DatabasesAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaxkv_databases_attached",
			Help: "Databases currently attached to the server",
		},
	)

	// Subscriber metrics
	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaxkv_subscribers_total",
			Help: "Clients connected to the notification stream",
		},
	)

	DeltasFannedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flaxkv_deltas_fanned_out_total",
			Help: "Change notifications enqueued to subscribers",
		},
	)

	DeltasDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flaxkv_deltas_dropped_total",
			Help: "Change notifications dropped on full subscriber queues",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaxkv_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flaxkv_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		KeysTotal,
		BufferedKeys,
		MarkedDeletes,
		FlushSeq,
		DatabasesAttached,
		SubscribersTotal,
		DeltasFannedOut,
		DeltasDropped,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time in a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
