// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes poll loop counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imessages_ai"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the loop's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesSeen  prometheus.Counter
	Triggers      prometheus.Counter
	Completions   *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec
	ReadFailures  prometheus.Counter
	Skipped       *prometheus.CounterVec
	Cursor        prometheus.Gauge
	CycleDuration prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		MessagesSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_seen_total",
			Help:      "Self-sent messages read from the store",
		}),
		Triggers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Messages that matched the trigger prefix",
		}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion requests by result",
		}, []string{"result"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Reply deliveries by result",
		}, []string{"result"}),
		ReadFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_failures_total",
			Help:      "Cycles skipped because the store could not be read",
		}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_total",
			Help:      "Triggered messages skipped before completion, by reason",
		}, []string{"reason"}),
		Cursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor",
			Help:      "Highest processed message ROWID",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of poll cycles in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Seen counts n messages read in a cycle.
func (m *Metrics) Seen(n int) {
	if m == nil {
		return
	}
	m.MessagesSeen.Add(float64(n))
}

// Triggered counts a trigger match.
func (m *Metrics) Triggered() {
	if m == nil {
		return
	}
	m.Triggers.Inc()
}

// Completion records a completion result.
func (m *Metrics) Completion(err error) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(result(err)).Inc()
}

// Delivery records a delivery result.
func (m *Metrics) Delivery(err error) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result(err)).Inc()
}

// ReadFailed counts a skipped cycle.
func (m *Metrics) ReadFailed() {
	if m == nil {
		return
	}
	m.ReadFailures.Inc()
}

// Skip counts a triggered message dropped for reason.
func (m *Metrics) Skip(reason string) {
	if m == nil {
		return
	}
	m.Skipped.WithLabelValues(reason).Inc()
}

// CycleDone records a finished cycle and the cursor it ended at.
func (m *Metrics) CycleDone(cursor int64, d time.Duration) {
	if m == nil {
		return
	}
	m.Cursor.Set(float64(cursor))
	m.CycleDuration.Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler returns the /metrics handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	return m.serve(ctx, ln)
}

func (m *Metrics) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
