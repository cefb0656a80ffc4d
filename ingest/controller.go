// Package ingest consumes telemetry messages from JetStream, validates them,
// persists the usable device batches and settles every delivery with Ack,
// Term or Nak.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/xraysignals/decoder"
	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/telemetry"
)

// SignalWriter persists validated batches. store.Store satisfies it.
type SignalWriter interface {
	BulkInsert(ctx context.Context, batches map[string]telemetry.DeviceBatch) ([]telemetry.Signal, error)
}

// Controller drives one delivery from RECEIVED to a terminal state.
// It holds no per-message state and is safe for concurrent use.
type Controller struct {
	decoder *decoder.Decoder
	writer  SignalWriter
	empty   EmptyPolicy
	sink    DeadLetterSink
	logger  *slog.Logger
	metrics *ingestMetrics
}

// NewController creates a Controller.
func NewController(dec *decoder.Decoder, writer SignalWriter, empty EmptyPolicy, opts ...Option) (*Controller, error) {
	if dec == nil || writer == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: decoder and writer are required", errors.ErrMissingConfig),
			"Controller", "NewController", "check dependencies")
	}
	if err := empty.Validate(); err != nil {
		return nil, err
	}
	if empty == "" {
		empty = EmptyAccept
	}

	o := buildOptions(opts)
	c := &Controller{
		decoder: dec,
		writer:  writer,
		empty:   empty,
		sink:    o.sink,
		logger:  o.logger.With("component", "ingest"),
	}
	if o.registrar != nil {
		m, err := newIngestMetrics(o.registrar)
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}
	return c, nil
}

// Close releases the controller's metrics.
func (c *Controller) Close() {
	c.metrics.unregister()
}

// outcome is everything learned about one delivery on its way to a state.
type outcome struct {
	decoded   DecodeOutcome
	persisted PersistOutcome
	result    decoder.Result
	signals   []telemetry.Signal
	err       error
}

// Handle processes d and settles it. It never panics and returns the
// terminal state that was applied.
func (c *Controller) Handle(ctx context.Context, d Delivery) State {
	start := time.Now()
	info := describeDelivery(d)
	log := c.logger.With(
		"subject", info.subject,
		"stream_seq", info.streamSeq,
		"deliveries", info.deliveries)

	log.Debug("Message received", "state", StateReceived.String(), "bytes", len(d.Data()))

	log.Debug("Validating payload", "state", StateValidating.String())
	out := c.process(ctx, d.Data())
	state := Classify(out.decoded, out.persisted, c.empty)

	if state == StateDeadLettered {
		c.deadLetter(ctx, d, info, out, log)
	}

	if err := settle(d, state); err != nil {
		c.metrics.ackFailed(state)
		log.Error("Settle failed", "state", state.String(), "error", err)
	}
	c.metrics.observe(state, start)
	c.logTransition(log, state, out, time.Since(start))
	return state
}

// process runs decode and persist. Panics in either are recovered and
// reported as failures.
func (c *Controller) process(ctx context.Context, payload []byte) (out outcome) {
	out.decoded = DecodeFailed
	out.persisted = PersistSkipped

	if err := recovered(func() { out.result = c.decoder.Decode(payload) }); err != nil {
		out.err = errors.WrapTransient(err, "Controller", "Handle", "decode payload")
		return out
	}
	for _, rej := range out.result.Rejections {
		c.metrics.rejected(string(rej.Kind))
	}

	switch {
	case !out.result.Usable():
		out.decoded = DecodeUnusable
		out.err = out.result.Err
		return out
	case out.result.Empty():
		out.decoded = DecodeEmpty
		return out
	default:
		out.decoded = DecodeUsable
	}

	var err error
	if perr := recovered(func() { out.signals, err = c.writer.BulkInsert(ctx, out.result.Batches) }); perr != nil {
		err = perr
	}
	if err != nil {
		out.persisted = PersistFailed
		out.signals = nil
		out.err = errors.WrapTransient(err, "Controller", "Handle", "persist batches")
		return out
	}
	out.persisted = PersistOK
	return out
}

func (c *Controller) deadLetter(ctx context.Context, d Delivery, info deliveryInfo, out outcome, log *slog.Logger) {
	reason := ReasonMalformed
	cause := out.err
	if out.decoded == DecodeEmpty {
		reason = ReasonEmpty
		cause = fmt.Errorf("no valid device entries (%d rejected)", len(out.result.Rejections))
	}
	if c.sink == nil {
		return
	}

	err := c.sink.Send(ctx, Letter{
		Reason:     reason,
		Subject:    info.subject,
		StreamSeq:  info.streamSeq,
		Deliveries: info.deliveries,
		Err:        cause,
		Data:       d.Data(),
		Headers:    d.Headers(),
	})
	c.metrics.deadLettered(reason, err)
	if err != nil {
		log.Error("Dead-letter copy failed", "reason", string(reason), "error", err)
	}
}

func (c *Controller) logTransition(log *slog.Logger, state State, out outcome, elapsed time.Duration) {
	attrs := []any{
		"state", state.String(),
		"decode", out.decoded.String(),
		"persist", out.persisted.String(),
		"duration", elapsed,
	}
	if out.result.Usable() {
		attrs = append(attrs, "device_ids", out.result.DeviceIDs(), "rejected", len(out.result.Rejections))
	}
	if len(out.signals) > 0 {
		uuids := make([]string, len(out.signals))
		for i, s := range out.signals {
			uuids[i] = s.UUID
		}
		attrs = append(attrs, "uuids", uuids)
	}

	if state == StateAccepted {
		log.Info("Message accepted", attrs...)
		return
	}
	if out.err != nil {
		attrs = append(attrs, "error", out.err)
	}
	log.Error("Message not accepted", attrs...)
}

// recovered runs fn and converts a panic into an error.
func recovered(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}
