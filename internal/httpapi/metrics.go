package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poisync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poisync_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poisync_http_active_requests",
			Help: "Number of HTTP requests being served",
		},
	)

	syncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poisync_sync_records_total",
			Help: "Records written by pushes and returned by pulls",
		},
		[]string{"operation", "kind"},
	)

	pullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poisync_pulls_total",
			Help: "Pulls served, by first-sync or incremental mode",
		},
		[]string{"mode"},
	)

	cacheSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poisync_cache_swept_total",
			Help: "Expired cached POIs removed by the sweeper",
		},
	)

	cacheSweepErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poisync_cache_sweep_errors_total",
			Help: "Cache sweeps that failed",
		},
	)
)

// ObserveCacheSweep records one sweeper run. It matches the sweeper's
// OnSweep hook.
func ObserveCacheSweep(removed int, err error) {
	if err != nil {
		cacheSweepErrorsTotal.Inc()
		return
	}
	cacheSweptTotal.Add(float64(removed))
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func observeRequest(method, route string, status int, started time.Time) {
	if status == 0 {
		status = http.StatusOK
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
}
