// Package natsclient wraps a NATS connection with a circuit breaker and the
// JetStream provisioning the telemetry pipeline needs.
//
// The circuit opens after a threshold of consecutive failures (default 5)
// and Connect fails fast with ErrCircuitOpen until the backoff elapses. The
// backoff doubles each round up to the configured maximum.
//
// Streams and durable consumers are declared idempotently with EnsureStream
// and EnsureConsumer, so every process start converges on the configured
// shape:
//
//	client, err := natsclient.NewClient(url, natsclient.WithSlog(logger))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{
//	    Name:     "XRAY",
//	    Subjects: []string{"xray.data.*"},
//	})
//
// Consume contexts are owned by their callers, which must drain them before
// Close so in-flight deliveries finish acknowledging.
//
// NewTestClient starts a disposable NATS container through testcontainers
// for integration tests.
package natsclient
