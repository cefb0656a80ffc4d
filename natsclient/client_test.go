package natsclient

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestNewClient_MetricsRegistrationConflict(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	_, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)

	_, err = NewClient("nats://localhost:4222", WithMetrics(registry))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_CustomThreshold(t *testing.T) {
	client, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	client.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	for i := 0; i < 100; i++ {
		client.recordFailure()
	}
	assert.Equal(t, time.Minute, client.Backoff())
}

func TestCircuitBreaker_ConnectFailsFast(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}

	start := time.Now()
	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("ConnectionStatus.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		status   ConnectionStatus
		expected bool
	}{
		{"connected is healthy", StatusConnected, true},
		{"disconnected is not healthy", StatusDisconnected, false},
		{"connecting is not healthy", StatusConnecting, false},
		{"reconnecting is not healthy", StatusReconnecting, false},
		{"circuit open is not healthy", StatusCircuitOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222")
			require.NoError(t, err)
			client.setStatus(tt.status)
			assert.Equal(t, tt.expected, client.IsHealthy())
		})
	}
}

func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	var wg sync.WaitGroup
	const iterations = 100

	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				fn()
			}
		}()
	}
	run(func() { client.setStatus(StatusConnecting) })
	run(func() { client.setStatus(StatusConnected) })
	run(func() { _ = client.Status() })
	run(client.recordFailure)
	run(client.resetCircuit)
	wg.Wait()

	assert.Contains(t, []ConnectionStatus{
		StatusDisconnected,
		StatusConnecting,
		StatusConnected,
		StatusReconnecting,
		StatusCircuitOpen,
	}, client.Status())
}

func TestWaitForConnection(t *testing.T) {
	t.Run("times out when not connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err = client.WaitForConnection(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
		assert.True(t, errors.IsTransient(err))
	})

	t.Run("returns when becomes connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			client.setStatus(StatusConnected)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, client.WaitForConnection(ctx))
	})
}

func TestJetStreamOperations_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.JetStream()
	assert.Error(t, err)

	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{Name: "XRAY"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.GetStream(ctx, "XRAY")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.EnsureConsumer(ctx, "XRAY", jetstream.ConsumerConfig{Durable: "c"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.PublishToStream(ctx, "xray.data.a", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)

	err = client.Publish(ctx, "xray.data.a", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)

	sub, err := client.Subscribe("$JS.EVENT.>", func(*nats.Msg) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Nil(t, sub)
	assert.NoError(t, client.Unsubscribe(sub))

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestJetStreamOperations_CircuitOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		client.recordFailure()
	}

	_, err = client.EnsureStream(context.Background(), jetstream.StreamConfig{Name: "XRAY"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))

	_, err = client.EnsureStream(context.Background(), jetstream.StreamConfig{Name: "XRAY"})
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	logger.Printf("connected to %s", "nats://x")
	logger.Errorf("failed: %v", "boom")
	logger.Debugf("hidden %d", 1)

	out := buf.String()
	assert.Contains(t, out, "connected to nats://x")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "component=nats")
	assert.NotContains(t, out, "hidden")
}

func TestSetStatus_RecordsMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)

	client.setStatus(StatusConnected)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "xray_nats_connected" {
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())
			return
		}
	}
	t.Fatal("xray_nats_connected not exported")
}

func TestHealthChangeCallback(t *testing.T) {
	changes := make(chan bool, 2)
	client, err := NewClient("nats://localhost:4222", WithHealthChangeCallback(func(healthy bool) {
		changes <- healthy
	}))
	require.NoError(t, err)

	client.onReconnected(nil)
	assert.True(t, <-changes)
	assert.Equal(t, StatusConnected, client.Status())

	client.onDisconnected(nil, nil)
	assert.False(t, <-changes)
	assert.Equal(t, StatusReconnecting, client.Status())
}

func TestBreakerHalfOpens(t *testing.T) {
	b := newBreaker(2, time.Minute)
	_, tripped := b.fail()
	assert.False(t, tripped)
	total, tripped := b.fail()
	assert.True(t, tripped)
	assert.Equal(t, int32(2), total)

	assert.Equal(t, time.Second, b.grow())
	assert.Equal(t, 2*time.Second, b.wait())

	b.reset()
	assert.Equal(t, time.Second, b.wait())
	assert.Zero(t, b.lastFailure.Load())
}
