package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry         *prometheus.Registry
	transfersTotal   *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	inflightParts    prometheus.Gauge
	partDuration     *prometheus.HistogramVec
	partRetries      *prometheus.CounterVec
	reconcileActions *prometheus.CounterVec
}

// New creates a new metrics collector on its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3drive_transfers_total",
				Help: "Transfers that reached a final state",
			},
			[]string{"direction", "state"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3drive_bytes_total",
				Help: "Bytes moved in completed parts",
			},
			[]string{"direction"},
		),
		inflightParts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "s3drive_inflight_parts",
				Help: "Number of part requests currently in flight",
			},
		),
		partDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s3drive_part_duration_seconds",
				Help:    "Time taken to transfer one part",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"direction"},
		),
		partRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3drive_part_retries_total",
				Help: "Part attempts that failed and were retried",
			},
			[]string{"direction"},
		),
		reconcileActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3drive_reconcile_actions_total",
				Help: "Sync reconciliation decisions by action",
			},
			[]string{"action"},
		),
	}

	c.registry.MustRegister(
		c.transfersTotal,
		c.bytesTotal,
		c.inflightParts,
		c.partDuration,
		c.partRetries,
		c.reconcileActions,
		collectors.NewGoCollector(),
	)

	return c
}

// IncTransfer counts a transfer reaching a final state
func (c *Collector) IncTransfer(direction, state string) {
	c.transfersTotal.WithLabelValues(direction, state).Inc()
}

// AddBytes adds to the bytes moved in one direction
func (c *Collector) AddBytes(direction string, bytes int64) {
	c.bytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// IncInflight marks a part request as started
func (c *Collector) IncInflight() {
	c.inflightParts.Inc()
}

// DecInflight marks a part request as finished
func (c *Collector) DecInflight() {
	c.inflightParts.Dec()
}

// ObservePart observes one part's duration
func (c *Collector) ObservePart(direction string, duration time.Duration) {
	c.partDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// IncRetry counts a retried part attempt
func (c *Collector) IncRetry(direction string) {
	c.partRetries.WithLabelValues(direction).Inc()
}

// IncReconcileAction counts a sync decision
func (c *Collector) IncReconcileAction(action string) {
	c.reconcileActions.WithLabelValues(action).Inc()
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
