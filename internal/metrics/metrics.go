package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "danzoq"

var (
	registerOnce sync.Once

	unitsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloads_started_total",
		Help:      "Total number of download attempts started",
	})
	unitsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloads_finished_total",
		Help:      "Total number of download attempts by final status",
	}, []string{"status"})
	bytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_downloaded_total",
		Help:      "Total bytes received across all downloads",
	})
	connectionRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_retries_total",
		Help:      "Total number of connection retries after transient failures",
	})
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of connection workers currently streaming",
	})
	queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Number of downloads currently queued",
	})
	queueActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_active",
		Help:      "Number of queued downloads holding an execution slot",
	})
	attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "attempt_duration_seconds",
		Help:      "Histogram of download attempt durations in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)

// Register initializes metrics with the global Prometheus registry (idempotent)
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(unitsStarted, unitsFinished, bytesDownloaded, connectionRetries,
			activeConnections, queueLength, queueActive, attemptDuration)
	})
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func IncStarted()                    { unitsStarted.Inc() }
func IncFinished(status string)      { unitsFinished.WithLabelValues(status).Inc() }
func AddBytes(n int64)               { bytesDownloaded.Add(float64(n)) }
func IncRetries()                    { connectionRetries.Inc() }
func AddActiveConnections(delta int) { activeConnections.Add(float64(delta)) }
func SetQueueLength(n int)           { queueLength.Set(float64(n)) }
func AddQueueActive(delta int)       { queueActive.Add(float64(delta)) }
func ObserveAttempt(seconds float64) { attemptDuration.Observe(seconds) }
