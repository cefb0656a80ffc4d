package ingest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/xraysignals/errors"
)

// Reason says why a message was dead-lettered. It is the last token of the
// dead-letter subject.
type Reason string

// Dead-letter reasons.
const (
	ReasonMalformed     Reason = "malformed"
	ReasonEmpty         Reason = "empty"
	ReasonMaxDeliveries Reason = "max_deliveries"
)

// Headers attached to every dead-letter copy.
const (
	HeaderReason        = "Xray-Reason"
	HeaderSourceSubject = "Xray-Source-Subject"
	HeaderStreamSeq     = "Xray-Stream-Seq"
	HeaderDeliveries    = "Xray-Deliveries"
	HeaderError         = "Xray-Error"
)

// DefaultDeadLetterPrefix is the subject prefix of the dead-letter stream.
const DefaultDeadLetterPrefix = "xray.deadletter"

// Publisher publishes to JetStream and waits for the stream ack.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error)
}

// Letter is one message bound for the dead-letter stream.
type Letter struct {
	Reason     Reason
	Subject    string
	StreamSeq  uint64
	Deliveries uint64
	Err        error
	Data       []byte
	Headers    nats.Header
}

// DeadLetterSink accepts letters. The controller and the max-delivery
// watcher both write through it.
type DeadLetterSink interface {
	Send(ctx context.Context, letter Letter) error
}

// DeadLetterer copies letters onto the dead-letter stream with enough
// context to replay them.
type DeadLetterer struct {
	pub    Publisher
	prefix string
}

// NewDeadLetterer creates a DeadLetterer. An empty prefix uses
// DefaultDeadLetterPrefix.
func NewDeadLetterer(pub Publisher, prefix string) *DeadLetterer {
	if prefix == "" {
		prefix = DefaultDeadLetterPrefix
	}
	return &DeadLetterer{pub: pub, prefix: prefix}
}

// Subject returns the dead-letter subject for reason.
func (d *DeadLetterer) Subject(reason Reason) string {
	return d.prefix + "." + string(reason)
}

// Send publishes letter to the dead-letter stream.
func (d *DeadLetterer) Send(ctx context.Context, letter Letter) error {
	msg := d.message(letter)
	if _, err := d.pub.PublishMsg(ctx, msg); err != nil {
		return errors.Wrap(err, "DeadLetterer", "Send", fmt.Sprintf("publish to %s", msg.Subject))
	}
	return nil
}

func (d *DeadLetterer) message(letter Letter) *nats.Msg {
	header := nats.Header{}
	for k, vs := range letter.Headers {
		// The original id would make JetStream drop the copy as a duplicate.
		if k == nats.MsgIdHdr {
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	header.Set(HeaderReason, string(letter.Reason))
	header.Set(HeaderSourceSubject, letter.Subject)
	header.Set(HeaderStreamSeq, strconv.FormatUint(letter.StreamSeq, 10))
	header.Set(HeaderDeliveries, strconv.FormatUint(letter.Deliveries, 10))
	if letter.Err != nil {
		header.Set(HeaderError, letter.Err.Error())
	}
	if letter.StreamSeq > 0 {
		header.Set(nats.MsgIdHdr, "dlq-"+strconv.FormatUint(letter.StreamSeq, 10))
	}

	return &nats.Msg{
		Subject: d.Subject(letter.Reason),
		Header:  header,
		Data:    letter.Data,
	}
}
