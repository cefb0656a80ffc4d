package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/health"
	"github.com/c360/xraysignals/metric"
	"github.com/c360/xraysignals/pkg/retry"
	xtest "github.com/c360/xraysignals/testutil"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
	acked   bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked = true }

// fakeClient runs the OnConnect handler on Connect and delivers messages
// handed to it through the subscribed handler.
type fakeClient struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connectErr   error
	subscribeErr error
	connected    bool
	handler      mqtt.MessageHandler
	topic        string
	unsubscribed bool
	disconnected bool
}

func (c *fakeClient) IsConnected() bool      { c.mu.Lock(); defer c.mu.Unlock(); return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return doneToken(c.connectErr)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token { return doneToken(nil) }

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	if c.subscribeErr != nil {
		return doneToken(c.subscribeErr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = topic
	c.handler = cb
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = true
	return doneToken(nil)
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (c *fakeClient) deliver(msg mqtt.Message) {
	c.mu.Lock()
	cb := c.handler
	c.mu.Unlock()
	cb(c, msg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Broker = "tcp://broker:1883"
	cfg.ConnectTimeout = time.Second
	return cfg
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newTestBridge(t *testing.T, pub Publisher, client *fakeClient, opts ...Option) *Bridge {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithRetry(fastRetry()),
		WithClientFactory(func(o *mqtt.ClientOptions) mqtt.Client {
			client.opts = o
			return client
		}),
	}, opts...)
	b, err := New(testConfig(), pub, opts...)
	require.NoError(t, err)
	return b
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing broker", func(c *Config) { c.Broker = "" }, true},
		{"no wildcard", func(c *Config) { c.Topic = "xray/data" }, true},
		{"two wildcards", func(c *Config) { c.Topic = "xray/+/+/data" }, true},
		{"multi-level wildcard", func(c *Config) { c.Topic = "xray/+/#" }, true},
		{"bad qos", func(c *Config) { c.QoS = 3 }, true},
		{"no connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, true},
		{"wildcard first", func(c *Config) { c.Topic = "+/telemetry" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSourceFromTopic(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          string
		ok            bool
	}{
		{"xray/+/data", "xray/gateway-7/data", "gateway-7", true},
		{"+/telemetry", "dev1/telemetry", "dev1", true},
		{"xray/+/data", "xray/a.b/data", "", false},
		{"xray/+/data", "xray/*/data", "", false},
		{"xray/+/data", "xray//data", "", false},
		{"xray/+/data", "xray", "", false},
		{"xray/data", "xray/data", "", false},
	}
	for _, tt := range tests {
		got, ok := SourceFromTopic(tt.filter, tt.topic)
		assert.Equal(t, tt.ok, ok, "%s on %s", tt.topic, tt.filter)
		assert.Equal(t, tt.want, got)
	}
}

func TestNew_RequiresPublisher(t *testing.T) {
	_, err := New(testConfig(), nil)
	require.Error(t, err)
}

func TestForward(t *testing.T) {
	pub := xtest.NewMockPublisher()
	registry := metric.NewMetricsRegistry()
	b := newTestBridge(t, pub, &fakeClient{}, WithMetrics(registry))
	defer b.Close()

	msg := &fakeMessage{topic: "xray/gateway-7/data", payload: []byte(`{"dev":{"time":1,"data":[]}}`)}
	assert.Equal(t, resultForwarded, b.Forward(context.Background(), msg))
	assert.True(t, msg.acked)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "xray.data.gateway-7", msgs[0].Subject)
	assert.Equal(t, msg.payload, msgs[0].Data)

	bad := &fakeMessage{topic: "xray/a.b/data", payload: []byte(`{}`)}
	assert.Equal(t, resultRejected, b.Forward(context.Background(), bad))
	assert.True(t, bad.acked)
	assert.Equal(t, 1, pub.Count())

	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.messages.WithLabelValues(resultForwarded)))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.messages.WithLabelValues(resultRejected)))
}

func TestForward_PublishFailure(t *testing.T) {
	pub := xtest.NewMockPublisher()
	pub.Err = errors.WrapTransient(errors.ErrNoConnection, "Client", "PublishToStream", "publish")
	b := newTestBridge(t, pub, &fakeClient{})

	msg := &fakeMessage{topic: "xray/dev/data", payload: []byte(`{}`)}
	assert.Equal(t, resultFailed, b.Forward(context.Background(), msg))
	assert.True(t, msg.acked)
}

func TestStartStop(t *testing.T) {
	pub := xtest.NewMockPublisher()
	client := &fakeClient{}
	monitor := health.NewMonitor(nil, quietLogger())
	b := newTestBridge(t, pub, client, WithHealth(monitor))

	require.NoError(t, b.Start(context.Background()))
	assert.Error(t, b.Start(context.Background()))
	assert.Equal(t, "xray/+/data", client.topic)

	status, ok := monitor.Get(HealthComponent)
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	client.deliver(&fakeMessage{topic: "xray/dev-1/data", payload: []byte(`{}`)})
	require.Eventually(t, func() bool { return pub.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "xray.data.dev-1", pub.Messages()[0].Subject)

	client.opts.OnConnectionLost(client, errors.ErrConnectionLost)
	status, _ = monitor.Get(HealthComponent)
	assert.True(t, status.IsDegraded())

	require.NoError(t, b.Stop(context.Background()))
	assert.True(t, client.unsubscribed)
	assert.True(t, client.disconnected)
	status, _ = monitor.Get(HealthComponent)
	assert.True(t, status.IsUnhealthy())

	require.NoError(t, b.Stop(context.Background()))
}

func TestStart_ConnectError(t *testing.T) {
	client := &fakeClient{connectErr: errors.ErrConnectionLost}
	b := newTestBridge(t, xtest.NewMockPublisher(), client)

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	require.NoError(t, b.Stop(context.Background()))
}

func TestStart_SubscribeErrorReportsUnhealthy(t *testing.T) {
	client := &fakeClient{subscribeErr: errors.ErrSubscriptionFailed}
	monitor := health.NewMonitor(nil, quietLogger())
	b := newTestBridge(t, xtest.NewMockPublisher(), client, WithHealth(monitor))

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	status, ok := monitor.Get(HealthComponent)
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())
}
