package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/xraysignals/metric"
)

const metricsService = "ingest"

// ingestMetrics methods are safe on a nil receiver.
type ingestMetrics struct {
	registrar  metric.MetricsRegistrar
	messages   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	rejections *prometheus.CounterVec
	dlq        *prometheus.CounterVec
	ackErrors  *prometheus.CounterVec
}

func newIngestMetrics(registrar metric.MetricsRegistrar) (*ingestMetrics, error) {
	m := &ingestMetrics{
		registrar: registrar,
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metric.Namespace,
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Deliveries by terminal state",
			},
			[]string{"state"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metric.Namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Time from receipt to ack decision",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metric.Namespace,
				Subsystem: "ingest",
				Name:      "device_rejections_total",
				Help:      "Device entries dropped by validation",
			},
			[]string{"kind"},
		),
		dlq: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metric.Namespace,
				Subsystem: "ingest",
				Name:      "dead_letters_total",
				Help:      "Dead-letter copies by reason and publish result",
			},
			[]string{"reason", "result"},
		),
		ackErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metric.Namespace,
				Subsystem: "ingest",
				Name:      "ack_errors_total",
				Help:      "Ack, Nak or Term calls the server did not accept",
			},
			[]string{"state"},
		),
	}

	registered := make([]string, 0, 5)
	rollback := func() {
		for _, name := range registered {
			registrar.Unregister(metricsService, name)
		}
	}
	for _, c := range []struct {
		name string
		fn   func() error
	}{
		{"messages_total", func() error { return registrar.RegisterCounterVec(metricsService, "messages_total", m.messages) }},
		{"processing_duration_seconds", func() error {
			return registrar.RegisterHistogramVec(metricsService, "processing_duration_seconds", m.duration)
		}},
		{"device_rejections_total", func() error {
			return registrar.RegisterCounterVec(metricsService, "device_rejections_total", m.rejections)
		}},
		{"dead_letters_total", func() error { return registrar.RegisterCounterVec(metricsService, "dead_letters_total", m.dlq) }},
		{"ack_errors_total", func() error { return registrar.RegisterCounterVec(metricsService, "ack_errors_total", m.ackErrors) }},
	} {
		if err := c.fn(); err != nil {
			rollback()
			return nil, err
		}
		registered = append(registered, c.name)
	}
	return m, nil
}

func (m *ingestMetrics) observe(state State, start time.Time) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(state.String()).Inc()
	m.duration.WithLabelValues(state.String()).Observe(time.Since(start).Seconds())
}

func (m *ingestMetrics) rejected(kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(kind).Inc()
}

func (m *ingestMetrics) deadLettered(reason Reason, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dlq.WithLabelValues(string(reason), result).Inc()
}

func (m *ingestMetrics) ackFailed(state State) {
	if m == nil {
		return
	}
	m.ackErrors.WithLabelValues(state.String()).Inc()
}

func (m *ingestMetrics) unregister() {
	if m == nil {
		return
	}
	for _, name := range []string{
		"messages_total", "processing_duration_seconds", "device_rejections_total",
		"dead_letters_total", "ack_errors_total",
	} {
		m.registrar.Unregister(metricsService, name)
	}
}
