package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/xraysignals/metric"
)

const metricsService = "store"

type storeMetrics struct {
	opDuration      *prometheus.HistogramVec
	opErrors        *prometheus.CounterVec
	signalsInserted *prometheus.CounterVec
}

func newStoreMetrics(registrar metric.MetricsRegistrar) (*storeMetrics, error) {
	m := &storeMetrics{
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metric.Namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Signal store operation latency",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		opErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metric.Namespace,
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Signal store operations that returned an error",
			},
			[]string{"operation"},
		),
		signalsInserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metric.Namespace,
				Subsystem: "store",
				Name:      "signals_inserted_total",
				Help:      "Signals written, by write path",
			},
			[]string{"path"},
		),
	}

	if err := registrar.RegisterHistogramVec(metricsService, "operation_duration_seconds", m.opDuration); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounterVec(metricsService, "errors_total", m.opErrors); err != nil {
		registrar.Unregister(metricsService, "operation_duration_seconds")
		return nil, err
	}
	if err := registrar.RegisterCounterVec(metricsService, "signals_inserted_total", m.signalsInserted); err != nil {
		registrar.Unregister(metricsService, "operation_duration_seconds")
		registrar.Unregister(metricsService, "errors_total")
		return nil, err
	}
	return m, nil
}

// observe records one operation. It is a no-op without metrics.
func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.opErrors.WithLabelValues(op).Inc()
	}
}

func (s *Store) countInserted(path string, n int) {
	if s.metrics == nil || n == 0 {
		return
	}
	s.metrics.signalsInserted.WithLabelValues(path).Add(float64(n))
}

func (s *Store) unregisterMetrics() {
	if s.metrics == nil || s.registrar == nil {
		return
	}
	s.registrar.Unregister(metricsService, "operation_duration_seconds")
	s.registrar.Unregister(metricsService, "errors_total")
	s.registrar.Unregister(metricsService, "signals_inserted_total")
}
