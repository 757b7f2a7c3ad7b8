// Package metrics exposes Prometheus collectors for the event scraper.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	extractedTotal             *prometheus.CounterVec
	invalidTotal               *prometheus.CounterVec
	upsertsTotal               *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeJobs                 prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_fetch_attempts_total",
				Help: "Fetch attempts, labeled by site and outcome (ok, status, error).",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_pages_total",
				Help: "Listing pages processed, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		extractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_extracted_total",
				Help: "Event candidates extracted, labeled by source and strategy.",
			},
			[]string{"source", "strategy"},
		)

		invalidTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_invalid_total",
				Help: "Events rejected before persistence, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		upsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_upserts_total",
				Help: "Persistence outcomes, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_jobs_total",
				Help: "Source jobs finished, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "events_job_duration_seconds",
				Help:    "Histogram of source job durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"source"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "events_active_jobs",
				Help: "Number of source jobs currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "events_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetchAttempt records one HTTP attempt against site.
func ObserveFetchAttempt(site, outcome string, bytesFetched int) {
	Init()
	host := SanitizeSite(site)
	fetchAttemptsTotal.WithLabelValues(host, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObservePage records a processed listing page.
func ObservePage(source, status string) {
	Init()
	pagesTotal.WithLabelValues(source, status).Inc()
}

// ObserveExtracted records the candidates a strategy produced.
func ObserveExtracted(source, strategy string, count int) {
	Init()
	if strategy == "" {
		strategy = "none"
	}
	extractedTotal.WithLabelValues(source, strategy).Add(float64(count))
}

// ObserveInvalid records an event rejected by the normalizer.
func ObserveInvalid(source, reason string) {
	Init()
	invalidTotal.WithLabelValues(source, reason).Inc()
}

// ObserveUpsert records a persistence outcome.
func ObserveUpsert(source, outcome string, count int) {
	Init()
	if count <= 0 {
		return
	}
	upsertsTotal.WithLabelValues(source, outcome).Add(float64(count))
}

// ObserveJob records a finished job.
func ObserveJob(source, status string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(source, status).Inc()
	jobDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
