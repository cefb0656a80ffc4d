package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/xraysignals/errors"
)

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// ready fails fast while the circuit is open or the client is not connected.
func (c *Client) ready() (jetstream.JetStream, error) {
	if c.closed.Load() {
		return nil, errors.ErrShuttingDown
	}
	switch c.Status() {
	case StatusCircuitOpen:
		return nil, ErrCircuitOpen
	case StatusConnected:
	default:
		return nil, ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	return js, nil
}

// EnsureStream creates the stream or updates it to cfg.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("ensure_stream")
		return nil, errors.WrapTransient(err, "Client", "EnsureStream",
			fmt.Sprintf("create or update stream %s", cfg.Name))
	}
	c.resetCircuit()
	c.jsMetrics.trackStream(cfg.Name, stream)

	c.logger.Debugf("Stream %s ready (subjects %v)", cfg.Name, cfg.Subjects)
	return stream, nil
}

// GetStream gets an existing JetStream stream
func (c *Client) GetStream(ctx context.Context, name string) (jetstream.Stream, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}

	stream, err := js.Stream(ctx, name)
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("get_stream")
		return nil, errors.WrapTransient(err, "Client", "GetStream", fmt.Sprintf("lookup stream %s", name))
	}
	c.resetCircuit()
	c.jsMetrics.trackStream(name, stream)
	return stream, nil
}

// EnsureConsumer creates the durable consumer on stream or updates it to cfg.
func (c *Client) EnsureConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("ensure_consumer")
		return nil, errors.WrapTransient(err, "Client", "EnsureConsumer",
			fmt.Sprintf("create or update consumer %s on %s", cfg.Durable, stream))
	}
	c.resetCircuit()
	c.jsMetrics.trackConsumer(stream, cfg.Durable, consumer)

	c.logger.Debugf("Consumer %s on %s ready (max ack pending %d, max deliver %d)",
		cfg.Durable, stream, cfg.MaxAckPending, cfg.MaxDeliver)
	return consumer, nil
}

// PublishMsg publishes msg to JetStream and waits for the stream ack.
func (c *Client) PublishMsg(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}

	ack, err := js.PublishMsg(ctx, msg)
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("publish")
		return nil, errors.WrapTransient(err, "Client", "PublishMsg", fmt.Sprintf("publish to %s", msg.Subject))
	}
	c.resetCircuit()
	return ack, nil
}

// PublishToStream publishes data to subject through JetStream.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return c.PublishMsg(ctx, &nats.Msg{Subject: subject, Data: data})
}

// Publish publishes a message to a NATS subject without a stream ack.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Subscribe registers a core NATS subscription. It is removed on Close
// unless released earlier with Unsubscribe.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}

	c.subs = append(c.subs, sub)
	return sub, nil
}

// Unsubscribe releases a subscription returned by Subscribe. A nil
// subscription, or one that is already gone, is a no-op.
func (c *Client) Unsubscribe(sub *nats.Subscription) error {
	if sub == nil {
		return nil
	}

	c.mu.Lock()
	c.subs = slices.DeleteFunc(c.subs, func(s *nats.Subscription) bool { return s == sub })
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil &&
		!stderrors.Is(err, nats.ErrConnectionClosed) && !stderrors.Is(err, nats.ErrBadSubscription) {
		return errors.Wrap(err, "Client", "Unsubscribe", fmt.Sprintf("unsubscribe from %s", sub.Subject))
	}
	return nil
}
