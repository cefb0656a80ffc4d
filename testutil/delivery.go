package testutil

import (
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Settlement names the primitive a delivery was settled with.
type Settlement string

// Settlements recorded by FakeDelivery.
const (
	Unsettled Settlement = ""
	Acked     Settlement = "ack"
	Naked     Settlement = "nak"
	Termed    Settlement = "term"
)

// ErrAlreadySettled is returned when a FakeDelivery is settled twice.
var ErrAlreadySettled = errors.New("delivery already settled")

// FakeDelivery is an in-memory JetStream delivery. It satisfies the subset
// of jetstream.Msg the ingest controller uses.
type FakeDelivery struct {
	mu sync.Mutex

	data       []byte
	subject    string
	header     nats.Header
	streamSeq  uint64
	deliveries uint64

	// SettleErr, when set, is returned by Ack, Nak and Term.
	SettleErr error

	settled Settlement
	calls   int
}

// NewFakeDelivery creates a first delivery of data on subject.
func NewFakeDelivery(subject string, data []byte, streamSeq uint64) *FakeDelivery {
	return &FakeDelivery{
		data:       data,
		subject:    subject,
		header:     nats.Header{},
		streamSeq:  streamSeq,
		deliveries: 1,
	}
}

// WithDeliveries sets the delivery count reported by Metadata.
func (d *FakeDelivery) WithDeliveries(n uint64) *FakeDelivery {
	d.deliveries = n
	return d
}

// WithHeader adds a header to the delivery.
func (d *FakeDelivery) WithHeader(key, value string) *FakeDelivery {
	d.header.Add(key, value)
	return d
}

func (d *FakeDelivery) Data() []byte         { return d.data }
func (d *FakeDelivery) Subject() string      { return d.subject }
func (d *FakeDelivery) Headers() nats.Header { return d.header }

// Metadata reports the stream sequence and delivery count.
func (d *FakeDelivery) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{
		Sequence:     jetstream.SequencePair{Stream: d.streamSeq, Consumer: d.streamSeq},
		NumDelivered: d.deliveries,
		Stream:       "XRAY",
		Consumer:     "xray-ingest",
	}, nil
}

func (d *FakeDelivery) Ack() error  { return d.settle(Acked) }
func (d *FakeDelivery) Nak() error  { return d.settle(Naked) }
func (d *FakeDelivery) Term() error { return d.settle(Termed) }

func (d *FakeDelivery) settle(s Settlement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.SettleErr != nil {
		return d.SettleErr
	}
	if d.settled != Unsettled {
		return ErrAlreadySettled
	}
	d.settled = s
	return nil
}

// Settled returns how the delivery was settled.
func (d *FakeDelivery) Settled() Settlement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// SettleCalls returns how many settle primitives were invoked.
func (d *FakeDelivery) SettleCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
