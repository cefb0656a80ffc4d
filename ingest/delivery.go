package ingest

import (
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Delivery is the part of a JetStream message the controller needs.
// jetstream.Msg satisfies it.
type Delivery interface {
	Data() []byte
	Subject() string
	Headers() nats.Header
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	Nak() error
	Term() error
}

var _ Delivery = (jetstream.Msg)(nil)

// deliveryInfo is the replay context logged with every transition.
type deliveryInfo struct {
	subject    string
	streamSeq  uint64
	deliveries uint64
}

func describeDelivery(d Delivery) deliveryInfo {
	info := deliveryInfo{subject: d.Subject()}
	if md, err := d.Metadata(); err == nil && md != nil {
		info.streamSeq = md.Sequence.Stream
		info.deliveries = md.NumDelivered
	}
	return info
}

// settle issues the transport primitive for a terminal state.
func settle(d Delivery, s State) error {
	switch s {
	case StateAccepted:
		return d.Ack()
	case StateDeadLettered:
		return d.Term()
	default:
		return d.Nak()
	}
}
