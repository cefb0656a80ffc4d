package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/xraysignals/metric"
)

const (
	resultForwarded = "forwarded"
	resultRejected  = "rejected"
	resultFailed    = "failed"
	resultDropped   = "dropped"
)

type bridgeMetrics struct {
	registrar metric.MetricsRegistrar
	messages  *prometheus.CounterVec
}

func newBridgeMetrics(registrar metric.MetricsRegistrar) (*bridgeMetrics, error) {
	m := &bridgeMetrics{
		registrar: registrar,
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metric.Namespace,
				Subsystem: "bridge",
				Name:      "messages_total",
				Help:      "MQTT messages by forward result",
			},
			[]string{"result"},
		),
	}
	if err := registrar.RegisterCounterVec("bridge", "messages_total", m.messages); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bridgeMetrics) record(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *bridgeMetrics) unregister() {
	if m == nil {
		return
	}
	m.registrar.Unregister("bridge", "messages_total")
}
