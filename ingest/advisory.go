package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/xraysignals/errors"
)

const maxDeliveriesAdvisoryPrefix = "$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES"

// MaxDeliveriesSubject is the advisory subject JetStream publishes on when a
// message of stream exceeds the consumer's MaxDeliver.
func MaxDeliveriesSubject(stream, consumer string) string {
	return maxDeliveriesAdvisoryPrefix + "." + stream + "." + consumer
}

type maxDeliveriesAdvisory struct {
	Stream     string `json:"stream"`
	Consumer   string `json:"consumer"`
	StreamSeq  uint64 `json:"stream_seq"`
	Deliveries uint64 `json:"deliveries"`
}

// MessageGetter reads a stored message by sequence. jetstream.Stream
// satisfies it.
type MessageGetter interface {
	GetMsg(ctx context.Context, seq uint64, opts ...jetstream.GetMsgOpt) (*jetstream.RawStreamMsg, error)
}

// MaxDeliveryWatcher copies messages that exhausted their redeliveries to
// the dead-letter stream. JetStream stops redelivering such messages but
// keeps them in the source stream; the copy makes them visible for replay.
type MaxDeliveryWatcher struct {
	stream  MessageGetter
	sink    DeadLetterSink
	timeout time.Duration
	logger  *slog.Logger
	metrics *ingestMetrics
}

// NewMaxDeliveryWatcher creates a watcher reading from stream and writing to sink.
func NewMaxDeliveryWatcher(stream MessageGetter, sink DeadLetterSink, timeout time.Duration, logger *slog.Logger) *MaxDeliveryWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MaxDeliveryWatcher{stream: stream, sink: sink, timeout: timeout, logger: logger}
}

// Handler returns a core NATS handler for the advisory subject.
func (w *MaxDeliveryWatcher) Handler() nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.HandleAdvisory(ctx, msg.Data); err != nil {
			w.logger.Error("Max-delivery advisory not dead-lettered",
				"advisory_subject", msg.Subject, "error", err)
		}
	}
}

// HandleAdvisory fetches the message named by an advisory payload and
// dead-letters it.
func (w *MaxDeliveryWatcher) HandleAdvisory(ctx context.Context, payload []byte) error {
	var adv maxDeliveriesAdvisory
	if err := json.Unmarshal(payload, &adv); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"MaxDeliveryWatcher", "HandleAdvisory", "decode advisory")
	}
	if adv.StreamSeq == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: advisory without stream_seq", errors.ErrInvalidData),
			"MaxDeliveryWatcher", "HandleAdvisory", "decode advisory")
	}

	raw, err := w.stream.GetMsg(ctx, adv.StreamSeq)
	if err != nil {
		return errors.WrapTransient(err, "MaxDeliveryWatcher", "HandleAdvisory",
			fmt.Sprintf("get message %d from %s", adv.StreamSeq, adv.Stream))
	}

	letter := Letter{
		Reason:     ReasonMaxDeliveries,
		Subject:    raw.Subject,
		StreamSeq:  adv.StreamSeq,
		Deliveries: adv.Deliveries,
		Err:        fmt.Errorf("exceeded %d deliveries on consumer %s", adv.Deliveries, adv.Consumer),
		Data:       raw.Data,
		Headers:    raw.Header,
	}
	err = w.sink.Send(ctx, letter)
	w.metrics.deadLettered(ReasonMaxDeliveries, err)
	if err != nil {
		return err
	}

	w.logger.Error("Message exhausted redeliveries",
		"state", StateDeadLettered.String(),
		"subject", raw.Subject,
		"stream_seq", adv.StreamSeq,
		"deliveries", adv.Deliveries,
		"consumer", adv.Consumer)
	return nil
}
