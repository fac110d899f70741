// NimbusChain Fetch is a distributed satellite-product acquisition service.
// Copyright (C) 2025 NimbusChain Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	jobSubmissions      *prometheus.CounterVec
	jobOutcomes         *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	jobClaims           prometheus.Counter
	activeJobs          prometheus.Gauge
	downloadedBytes     *prometheus.CounterVec
	downloadRetries     *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records a completed control-plane request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	labelMethod := sanitizeLabel(method, "unknown")
	labelRoute := sanitizeLabel(route, "unknown")
	status := strconv.Itoa(code)

	mu.RLock()
	defer mu.RUnlock()
	if httpRequests != nil {
		httpRequests.WithLabelValues(labelMethod, labelRoute, status).Inc()
	}
	if httpRequestDuration != nil {
		httpRequestDuration.WithLabelValues(labelMethod, labelRoute).Observe(durationSeconds(duration))
	}
}

// IncJobSubmission counts one accepted job by provider and job type.
func IncJobSubmission(provider, jobType string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobSubmissions != nil {
		jobSubmissions.WithLabelValues(sanitizeLabel(provider, "unknown"), sanitizeLabel(jobType, "unknown")).Inc()
	}
}

// IncJobClaim counts one successful queue claim.
func IncJobClaim() {
	mu.RLock()
	defer mu.RUnlock()
	if jobClaims != nil {
		jobClaims.Inc()
	}
}

// ObserveJobOutcome records a terminal transition and the job's run duration.
func ObserveJobOutcome(provider, outcome string, duration time.Duration) {
	labelProvider := sanitizeLabel(provider, "unknown")
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobOutcomes != nil {
		jobOutcomes.WithLabelValues(labelProvider, labelOutcome).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(labelProvider, labelOutcome).Observe(durationSeconds(duration))
	}
}

// SetActiveJobs publishes the number of jobs currently executing.
func SetActiveJobs(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if activeJobs != nil {
		activeJobs.Set(float64(n))
	}
}

// AddDownloadedBytes accumulates bytes landed on disk for a provider.
func AddDownloadedBytes(provider string, n int64) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if downloadedBytes != nil {
		downloadedBytes.WithLabelValues(sanitizeLabel(provider, "unknown")).Add(float64(n))
	}
}

// IncDownloadRetry counts one retried download attempt.
func IncDownloadRetry(provider string) {
	mu.RLock()
	defer mu.RUnlock()
	if downloadRetries != nil {
		downloadRetries.WithLabelValues(sanitizeLabel(provider, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "fetch",
		Name:      "http_requests_total",
		Help:      "Total control-plane HTTP requests grouped by method, route, and status code.",
	}, []string{"method", "route", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nimbus",
		Subsystem: "fetch",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of control-plane HTTP requests by method and route.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"method", "route"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "fetch",
		Name:      "job_submissions_total",
		Help:      "Total jobs accepted by provider and job type.",
	}, []string{"provider", "job_type"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "fetch",
		Name:      "job_outcomes_total",
		Help:      "Terminal job transitions by provider and outcome.",
	}, []string{"provider", "outcome"})

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nimbus",
		Subsystem: "fetch",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock job execution time by provider and outcome.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"provider", "outcome"})

	claims := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "fetch",
		Name:      "job_claims_total",
		Help:      "Total successful queue claims by this process.",
	})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "fetch",
		Name:      "active_jobs",
		Help:      "Jobs currently holding an execution slot.",
	})

	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "fetch",
		Name:      "downloaded_bytes_total",
		Help:      "Bytes written to disk by the downloader, per provider.",
	}, []string{"provider"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "fetch",
		Name:      "download_retries_total",
		Help:      "Download attempts that were retried, per provider.",
	}, []string{"provider"})

	registry.MustRegister(reqTotal, reqDuration, submissions, outcomes, durations, claims, active, bytes, retries)

	reg = registry
	httpRequests = reqTotal
	httpRequestDuration = reqDuration
	jobSubmissions = submissions
	jobOutcomes = outcomes
	jobDuration = durations
	jobClaims = claims
	activeJobs = active
	downloadedBytes = bytes
	downloadRetries = retries
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
