package store

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/upsert/internal/ir"
)

// Metrics holds the upsert collectors for one registry. Collectors are
// labelled by worker so every operator in a cluster can share one registry.
// Metrics are purely observational and never affect results.
type Metrics struct {
	callSeconds        *prometheus.HistogramVec
	callKeys           *prometheus.CounterVec
	callErrors         *prometheus.CounterVec
	rehydrationSeconds *prometheus.GaugeVec
	rehydrationRecords *prometheus.GaugeVec
}

// NewMetrics registers the upsert collectors with reg.
// Registering twice on the same registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "upsert",
			Name:      "backend_call_seconds",
			Help:      "Latency of state backend calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"worker", "op"}),
		callKeys: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upsert",
			Name:      "backend_keys_total",
			Help:      "Keys read or written through the state backend.",
		}, []string{"worker", "op"}),
		callErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upsert",
			Name:      "backend_errors_total",
			Help:      "Failed state backend calls.",
		}, []string{"worker", "op"}),
		rehydrationSeconds: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "upsert",
			Name:      "rehydration_seconds",
			Help:      "Time spent loading rehydrated state into the backend.",
		}, []string{"worker"}),
		rehydrationRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "upsert",
			Name:      "rehydration_records",
			Help:      "Records loaded into the backend during rehydration.",
		}, []string{"worker"}),
	}
}

// Worker returns the collectors for one worker.
func (m *Metrics) Worker(id int) *WorkerMetrics {
	w := strconv.Itoa(id)
	return &WorkerMetrics{
		GetSeconds:         m.callSeconds.WithLabelValues(w, "multi_get"),
		PutSeconds:         m.callSeconds.WithLabelValues(w, "multi_put"),
		GetKeys:            m.callKeys.WithLabelValues(w, "multi_get"),
		PutKeys:            m.callKeys.WithLabelValues(w, "multi_put"),
		GetErrors:          m.callErrors.WithLabelValues(w, "multi_get"),
		PutErrors:          m.callErrors.WithLabelValues(w, "multi_put"),
		RehydrationSeconds: m.rehydrationSeconds.WithLabelValues(w),
		RehydrationRecords: m.rehydrationRecords.WithLabelValues(w),
	}
}

// WorkerMetrics are the collectors bound to one worker.
type WorkerMetrics struct {
	GetSeconds         prometheus.Observer
	PutSeconds         prometheus.Observer
	GetKeys            prometheus.Counter
	PutKeys            prometheus.Counter
	GetErrors          prometheus.Counter
	PutErrors          prometheus.Counter
	RehydrationSeconds prometheus.Gauge
	RehydrationRecords prometheus.Gauge
}

// Instrumented wraps a Backend and records per-call timing and key counts.
type Instrumented struct {
	inner   Backend
	metrics *WorkerMetrics
}

var _ Backend = (*Instrumented)(nil)

// Instrument wraps b with metrics. Returns b unchanged when m is nil.
func Instrument(b Backend, m *WorkerMetrics) Backend {
	if m == nil {
		return b
	}
	return &Instrumented{inner: b, metrics: m}
}

// Unwrap returns the wrapped backend.
func (i *Instrumented) Unwrap() Backend {
	return i.inner
}

// MultiGet implements Backend.
func (i *Instrumented) MultiGet(ctx context.Context, keys []ir.UpsertKey) ([]Entry, error) {
	start := time.Now()
	out, err := i.inner.MultiGet(ctx, keys)
	i.metrics.GetSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		i.metrics.GetErrors.Inc()
		return nil, err
	}
	i.metrics.GetKeys.Add(float64(len(keys)))
	return out, nil
}

// MultiPut implements Backend.
func (i *Instrumented) MultiPut(ctx context.Context, puts []Put) error {
	start := time.Now()
	err := i.inner.MultiPut(ctx, puts)
	i.metrics.PutSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		i.metrics.PutErrors.Inc()
		return err
	}
	i.metrics.PutKeys.Add(float64(len(puts)))
	return nil
}

// Close implements Backend.
func (i *Instrumented) Close() error {
	return i.inner.Close()
}
