//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/xraysignals/metric"
)

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	tc := NewTestClient(t)

	assert.True(t, tc.Client.IsHealthy())
	assert.Equal(t, StatusConnected, tc.Client.Status())

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_CircuitBreakerWithRealConnection(t *testing.T) {
	client, err := NewClient("nats://invalid-host:4222", WithTimeout(200*time.Millisecond), WithMaxReconnects(0))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.Error(t, client.Connect(context.Background()))
		assert.NotEqual(t, StatusCircuitOpen, client.Status())
	}

	assert.Error(t, client.Connect(context.Background()))
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.ErrorIs(t, client.Connect(context.Background()), ErrCircuitOpen)
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t, WithNATSVersion("2.11.7-alpine"))

	received := make(chan []byte, 1)
	sub, err := tc.Client.Subscribe("xray.test", func(msg *nats.Msg) {
		received <- msg.Data
	})
	require.NoError(t, err)

	require.NoError(t, tc.Client.Publish(context.Background(), "xray.test", []byte("hello")))

	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	require.NoError(t, tc.Client.Unsubscribe(sub))
	assert.False(t, sub.IsValid())
	tc.Client.mu.RLock()
	assert.Empty(t, tc.Client.subs)
	tc.Client.mu.RUnlock()
	assert.NoError(t, tc.Client.Unsubscribe(sub), "second release is a no-op")
}

func TestIntegration_StreamAndConsumer(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	tc := NewTestClient(t, WithJetStream(), WithClientOptions(WithMetrics(registry)))
	ctx := context.Background()

	stream, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "XRAY_TEST",
		Subjects: []string{"xraytest.>"},
	})
	require.NoError(t, err)

	// second call updates in place
	_, err = tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "XRAY_TEST",
		Subjects: []string{"xraytest.>"},
	})
	require.NoError(t, err)

	ack, err := tc.Client.PublishMsg(ctx, &nats.Msg{
		Subject: "xraytest.a",
		Header:  nats.Header{"Xray-Test": []string{"1"}},
		Data:    []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "XRAY_TEST", ack.Stream)

	consumer, err := tc.Client.EnsureConsumer(ctx, "XRAY_TEST", jetstream.ConsumerConfig{
		Durable:       "reader",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 2,
	})
	require.NoError(t, err)

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(2*time.Second))
	require.NoError(t, err)
	for msg := range batch.Messages() {
		assert.Equal(t, "1", msg.Headers().Get("Xray-Test"))
		require.NoError(t, msg.Ack())
	}

	raw, err := stream.GetMsg(ctx, ack.Sequence)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), raw.Data)

	tc.Client.jsMetrics.updateStats(ctx)
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, gaugeValue(families, "xray_jetstream_stream_messages", "stream", "XRAY_TEST"))
	assert.Equal(t, 1.0, gaugeValue(families, "xray_jetstream_stream_state", "stream", "XRAY_TEST"))
}

// gaugeValue returns the gauge in family name whose label key equals value,
// or -1 when there is none.
func gaugeValue(families []*dto.MetricFamily, name, key, value string) float64 {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == key && lp.GetValue() == value {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}
