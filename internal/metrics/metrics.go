// Package metrics exposes Prometheus collectors for the price watch service.
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
	passesTotal                *prometheus.CounterVec
	passDurationSeconds        prometheus.Histogram
	pendingTrackers            prometheus.Gauge
	evaluationsTotal           *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	storeEventsTotal           *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		passesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_passes_total",
				Help: "Total number of check passes, labeled by trigger.",
			},
			[]string{"trigger"},
		)

		passDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pricewatch_pass_duration_seconds",
				Help:    "Histogram of full check pass durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		pendingTrackers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricewatch_pending_trackers",
				Help: "Number of pending trackers seen by the most recent pass.",
			},
		)

		evaluationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_evaluations_total",
				Help: "Total number of tracker evaluations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_notifications_total",
				Help: "Total number of notification attempts, labeled by result.",
			},
			[]string{"result"},
		)

		storeEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_store_events_total",
				Help: "Total number of tracker store events, labeled by event.",
			},
			[]string{"event"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricewatch_fetch_duration_seconds",
				Help:    "Histogram of page fetch durations, labeled by site and status.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
			},
			[]string{"site", "status"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricewatch_rate_limit_delays_seconds",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
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

// ObservePass records one completed check pass.
func ObservePass(trigger string, pending int, duration time.Duration) {
	Init()
	passesTotal.WithLabelValues(trigger).Inc()
	passDurationSeconds.Observe(duration.Seconds())
	pendingTrackers.Set(float64(pending))
}

// ObserveEvaluation increments the evaluation counter for an outcome.
func ObserveEvaluation(outcome string) {
	Init()
	evaluationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveNotification increments the notification counter for a result.
func ObserveNotification(result string) {
	Init()
	notificationsTotal.WithLabelValues(result).Inc()
}

// ObserveStoreEvent increments the store event counter.
func ObserveStoreEvent(event string) {
	Init()
	storeEventsTotal.WithLabelValues(event).Inc()
}

// ObserveFetch records the duration of a page fetch.
func ObserveFetch(site string, ok bool, duration time.Duration) {
	Init()
	status := "ok"
	if !ok {
		status = "error"
	}
	fetchDurationSeconds.WithLabelValues(SanitizeSite(site), status).Observe(duration.Seconds())
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
