// Package metrics exposes mirror run counters through a private Prometheus
// registry. Every method is safe on a nil *Collectors, so callers that run
// without metrics need no guards.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch kinds and results used as label values.
const (
	KindPage     = "page"
	KindPayload  = "payload"
	KindMetadata = "metadata"

	ResultOK           = "ok"
	ResultNotFound     = "not_found"
	ResultHashMismatch = "hash_mismatch"
	ResultError        = "error"
)

// Collectors holds every metric of one run.
type Collectors struct {
	registry *prometheus.Registry

	fetchRequests  *prometheus.CounterVec
	fetchBytes     prometheus.Counter
	fetchDuration  prometheus.Histogram
	fetchRetries   prometheus.Counter
	inflight       prometheus.Gauge
	reconcileFiles *prometheus.CounterVec
	packages       *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		fetchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pypi_mirror_fetch_requests_total", Help: "Fetch attempts by resource kind and result"},
			[]string{"kind", "result"},
		),
		fetchBytes:    prometheus.NewCounter(prometheus.CounterOpts{Name: "pypi_mirror_fetch_bytes_total", Help: "Total bytes downloaded"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "pypi_mirror_fetch_duration_seconds", Help: "Time spent per fetch attempt", Buckets: prometheus.DefBuckets}),
		fetchRetries:  prometheus.NewCounter(prometheus.CounterOpts{Name: "pypi_mirror_fetch_retries_total", Help: "Total retry attempts"}),
		inflight:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "pypi_mirror_fetch_inflight", Help: "In-flight HTTP requests"}),
		reconcileFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pypi_mirror_reconcile_files_total", Help: "Reconciled files by integrity state"},
			[]string{"state"},
		),
		packages: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pypi_mirror_packages_total", Help: "Processed packages by result"},
			[]string{"result"},
		),
	}
	c.registry.MustRegister(c.fetchRequests, c.fetchBytes, c.fetchDuration, c.fetchRetries,
		c.inflight, c.reconcileFiles, c.packages)
	return c
}

// ObserveFetch records one fetch attempt.
func (c *Collectors) ObserveFetch(kind, result string, bytes int64, d time.Duration) {
	if c == nil {
		return
	}
	c.fetchRequests.WithLabelValues(kind, result).Inc()
	if bytes > 0 {
		c.fetchBytes.Add(float64(bytes))
	}
	c.fetchDuration.Observe(d.Seconds())
}

// ObserveRetry counts one retry.
func (c *Collectors) ObserveRetry() {
	if c == nil {
		return
	}
	c.fetchRetries.Inc()
}

// TrackInflight increments the in-flight gauge and returns its decrement.
func (c *Collectors) TrackInflight() func() {
	if c == nil {
		return func() {}
	}
	c.inflight.Inc()
	return c.inflight.Dec
}

// ObserveReconcile adds n files in state.
func (c *Collectors) ObserveReconcile(state string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.reconcileFiles.WithLabelValues(state).Add(float64(n))
}

// ObservePackage counts one package outcome ("ok", "failed" or "skipped").
func (c *Collectors) ObservePackage(result string) {
	if c == nil {
		return
	}
	c.packages.WithLabelValues(result).Inc()
}

// Gatherer exposes the registry, e.g. for tests.
func (c *Collectors) Gatherer() prometheus.Gatherer {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// WriteTextfile writes the current values in the node_exporter textfile format.
func (c *Collectors) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collectors) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	if c == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
}
