// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics record RPC activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	calls      *prometheus.CounterVec   // by method and status
	duration   *prometheus.HistogramVec // by method
	active     prometheus.Gauge         // calls in progress
	reconnects prometheus.Counter       // WS-RPC reconnect attempts
	dropped    prometheus.Counter       // WS-RPC envelopes discarded
}

// NewMetrics constructs a new set of metrics and registers them with reg.
// If reg == nil, the metrics are not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cablerpc_calls_total",
			Help: "Total number of RPC calls handled, labeled by method and status.",
		}, []string{"method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cablerpc_call_duration_seconds",
			Help:    "Histogram of RPC call latencies in seconds, labeled by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cablerpc_calls_active",
			Help: "Number of RPC calls currently executing.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cablerpc_wsrpc_reconnects_total",
			Help: "Total number of WS-RPC reconnect attempts.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cablerpc_wsrpc_envelopes_dropped_total",
			Help: "Total number of WS-RPC envelopes discarded as malformed or unexpected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.duration, m.active, m.reconnects, m.dropped)
	}
	return m
}

// Middleware returns a middleware that records the outcome and latency of
// each call. It should be installed outside exception containment so that
// contained failures are counted with status ERROR.
func (m *Metrics) Middleware() Middleware {
	return func(ctx context.Context, call *Call, next Handler) (Response, error) {
		if m == nil {
			return next(ctx, call)
		}
		method := string(call.Method())
		m.active.Inc()
		defer m.active.Dec()
		start := time.Now()

		rsp, err := next(ctx, call)
		m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		status := StatusError
		if err == nil && rsp != nil {
			status, _ = rsp.Result()
		}
		m.calls.WithLabelValues(method, status.String()).Inc()
		return rsp, err
	}
}

// Reconnected records a reconnect attempt by a WS-RPC client.
func (m *Metrics) Reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

// Dropped records an envelope discarded by a WS-RPC client.
func (m *Metrics) Dropped() {
	if m != nil {
		m.dropped.Inc()
	}
}
