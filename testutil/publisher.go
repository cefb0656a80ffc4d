package testutil

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// MockPublisher records JetStream and core publishes in memory.
// Thread-safe for concurrent use.
type MockPublisher struct {
	mu       sync.Mutex
	messages []*nats.Msg
	seq      uint64

	// Err, when set, fails every publish.
	Err error
}

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishMsg records msg and returns a stream ack.
func (p *MockPublisher) PublishMsg(_ context.Context, msg *nats.Msg) (*jetstream.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.seq++
	p.messages = append(p.messages, copyMsg(msg))
	return &jetstream.PubAck{Stream: "MOCK", Sequence: p.seq}, nil
}

// PublishToStream records a header-less message on subject.
func (p *MockPublisher) PublishToStream(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return p.PublishMsg(ctx, &nats.Msg{Subject: subject, Data: data})
}

// Publish records a core publish.
func (p *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.PublishMsg(ctx, &nats.Msg{Subject: subject, Data: data})
	return err
}

// Messages returns every recorded message in publish order.
func (p *MockPublisher) Messages() []*nats.Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*nats.Msg, len(p.messages))
	copy(out, p.messages)
	return out
}

// Count returns the number of recorded messages.
func (p *MockPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func copyMsg(msg *nats.Msg) *nats.Msg {
	out := &nats.Msg{Subject: msg.Subject}
	if msg.Data != nil {
		out.Data = append([]byte(nil), msg.Data...)
	}
	if msg.Header != nil {
		out.Header = nats.Header{}
		for k, vs := range msg.Header {
			out.Header[k] = append([]string(nil), vs...)
		}
	}
	return out
}
