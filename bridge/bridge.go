// Package bridge forwards telemetry published by devices over MQTT onto the
// JetStream telemetry stream.
//
// A message on xray/<source>/data is republished, payload unchanged, to
// xray.data.<source>. The bridge does no validation; the ingest pipeline
// treats bridged messages like any other producer's.
package bridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/health"
	"github.com/c360/xraysignals/metric"
	"github.com/c360/xraysignals/pkg/retry"
	"github.com/c360/xraysignals/pkg/worker"
	"github.com/c360/xraysignals/telemetry"
)

var errForwardFailed = stderrors.New("forward failed")

// HealthComponent is the name the bridge reports health under.
const HealthComponent = "mqtt-bridge"

// Publisher writes to the telemetry stream. natsclient.Client satisfies it.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// ClientFactory builds the MQTT client. Tests replace it.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithHealth reports connection state to monitor.
func WithHealth(monitor *health.Monitor) Option {
	return func(b *Bridge) { b.monitor = monitor }
}

// WithMetrics registers the bridge counters.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(b *Bridge) { b.registrar = registrar }
}

// WithClientFactory overrides mqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(b *Bridge) { b.factory = f }
}

// WithRetry sets the publish retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(b *Bridge) { b.retry = cfg }
}

// Bridge subscribes to an MQTT topic filter and forwards every message.
type Bridge struct {
	cfg       Config
	publisher Publisher
	logger    *slog.Logger
	monitor   *health.Monitor
	registrar metric.MetricsRegistrar
	metrics   *bridgeMetrics
	factory   ClientFactory
	retry     retry.Config
	pool      *worker.Pool[mqtt.Message]

	mu     sync.Mutex
	client mqtt.Client
	cancel context.CancelFunc
}

// New creates a Bridge. The config must be valid.
func New(cfg Config, publisher Publisher, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if publisher == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: publisher is required", errors.ErrMissingConfig),
			"Bridge", "New", "check dependencies")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	b := &Bridge{
		cfg:       cfg,
		publisher: publisher,
		logger:    slog.Default(),
		factory:   mqtt.NewClient,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", HealthComponent)

	if b.registrar != nil {
		m, err := newBridgeMetrics(b.registrar)
		if err != nil {
			return nil, err
		}
		b.metrics = m
	}

	var poolOpts []worker.Option[mqtt.Message]
	if b.registrar != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[mqtt.Message](b.registrar))
	}
	pool, err := worker.NewPool("bridge", cfg.Workers, cfg.QueueSize, b.forward, poolOpts...)
	if err != nil {
		b.metrics.unregister()
		return nil, err
	}
	b.pool = pool
	return b, nil
}

func (b *Bridge) forward(ctx context.Context, msg mqtt.Message) error {
	if b.Forward(ctx, msg) == resultFailed {
		return errForwardFailed
	}
	return nil
}

func (b *Bridge) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetCleanSession(true)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	// Clean sessions drop subscriptions, so every (re)connect subscribes.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(b.cfg.Topic, b.cfg.QoS, b.onMessage)
		if !token.WaitTimeout(b.cfg.ConnectTimeout) || token.Error() != nil {
			err := token.Error()
			if err == nil {
				err = errors.ErrSubscriptionFailed
			}
			b.logger.Error("MQTT subscribe failed", "topic", b.cfg.Topic, "error", err)
			b.reportHealth(health.FromError(HealthComponent, err))
			return
		}
		b.logger.Info("MQTT bridge subscribed", "topic", b.cfg.Topic, "qos", b.cfg.QoS)
		b.reportHealth(health.NewHealthy(HealthComponent, "subscribed to "+b.cfg.Topic))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("MQTT connection lost", "error", err)
		b.reportHealth(health.NewDegraded(HealthComponent, "connection lost, reconnecting"))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		b.logger.Debug("MQTT reconnecting")
	})
	return opts
}

// Start connects to the broker. It returns once the first connection
// attempt completes or ctx ends; later reconnects are automatic.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bridge", "Start", "start bridge")
	}

	// Forwards outlive the caller's context and end with Stop.
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	if err := b.pool.Start(runCtx); err != nil {
		b.cancel()
		return errors.WrapInvalid(err, "Bridge", "Start", "start forward workers")
	}
	client := b.factory(b.clientOptions())
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		b.abort()
		return errors.WrapTransient(ctx.Err(), "Bridge", "Start", "connect to broker")
	case <-time.After(b.cfg.ConnectTimeout):
		client.Disconnect(0)
		b.abort()
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Bridge", "Start", "connect to broker")
	}
	if err := token.Error(); err != nil {
		b.abort()
		return errors.WrapTransient(err, "Bridge", "Start", "connect to broker")
	}

	b.client = client
	b.logger.Info("MQTT bridge started", "broker", b.cfg.Broker, "topic", b.cfg.Topic)
	return nil
}

func (b *Bridge) abort() {
	b.cancel()
	_ = b.pool.Stop(context.Background())
}

// Stop unsubscribes, disconnects and waits for queued forwards to finish
// until ctx ends; whatever is still in flight then is canceled.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		return nil
	}

	quiesce := uint(250)
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < 250*time.Millisecond {
			quiesce = uint(max(left.Milliseconds(), 0))
		}
	}

	if b.client.IsConnected() {
		b.client.Unsubscribe(b.cfg.Topic).WaitTimeout(time.Duration(quiesce) * time.Millisecond)
	}
	b.client.Disconnect(quiesce)
	b.client = nil

	err := b.pool.Stop(ctx)
	b.cancel()

	b.reportHealth(health.NewUnhealthy(HealthComponent, "stopped"))
	b.logger.Info("MQTT bridge stopped", "forwarded", b.pool.Stats().Processed, "dropped", b.pool.Stats().Dropped)
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Stop", "drain forward queue")
	}
	return nil
}

// onMessage hands msg to the forward workers. paho acks it once the
// handler returns; a message that does not fit in the queue is dropped.
func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := b.pool.Submit(msg); err != nil {
		b.logger.Warn("MQTT message dropped", "topic", msg.Topic(), "error", err)
		b.metrics.record(resultDropped)
		msg.Ack()
	}
}

// Forward republishes one MQTT message. It reports the outcome: "forwarded",
// "rejected" for topics without a usable source token, or "failed".
func (b *Bridge) Forward(ctx context.Context, msg mqtt.Message) string {
	defer msg.Ack()

	source, ok := SourceFromTopic(b.cfg.Topic, msg.Topic())
	if !ok {
		b.logger.Warn("MQTT message dropped: topic has no usable source", "topic", msg.Topic())
		b.metrics.record(resultRejected)
		return resultRejected
	}

	subject := telemetry.DataSubject(source)
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		pubCtx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
		_, err := b.publisher.PublishToStream(pubCtx, subject, msg.Payload())
		return err
	})
	if err != nil {
		b.logger.Error("MQTT message forward failed",
			"topic", msg.Topic(),
			"subject", subject,
			"error", err)
		b.metrics.record(resultFailed)
		return resultFailed
	}

	b.logger.Debug("MQTT message forwarded", "topic", msg.Topic(), "subject", subject, "bytes", len(msg.Payload()))
	b.metrics.record(resultForwarded)
	return resultForwarded
}

func (b *Bridge) reportHealth(status health.Status) {
	if b.monitor != nil {
		b.monitor.Update(HealthComponent, status)
	}
}

// Close releases the bridge metrics.
func (b *Bridge) Close() {
	b.metrics.unregister()
	b.pool.Close()
}
