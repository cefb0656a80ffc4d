package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/xraysignals/decoder"
	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/health"
	"github.com/c360/xraysignals/telemetry"
)

// HealthComponent is the name the service reports under.
const HealthComponent = "ingest"

// Config configures the consumer service.
type Config struct {
	Stream           string        `json:"stream"`
	Subjects         []string      `json:"subjects"`
	Consumer         string        `json:"consumer"`
	DLQStream        string        `json:"dlq_stream"`
	DLQSubjectPrefix string        `json:"dlq_subject_prefix"`
	Prefetch         int           `json:"prefetch"`
	AckWait          time.Duration `json:"ack_wait"`
	MaxDeliver       int           `json:"max_deliver"`
	Instances        int           `json:"instances"`
	EmptyPolicy      EmptyPolicy   `json:"empty_policy"`
	MaxAge           time.Duration `json:"max_age"`
}

// DefaultConfig returns the defaults for a single-instance consumer.
func DefaultConfig() Config {
	return Config{
		Stream:           "XRAY",
		Subjects:         []string{telemetry.SubjectPattern},
		Consumer:         "xray-ingest",
		DLQStream:        "XRAY_DLQ",
		DLQSubjectPrefix: DefaultDeadLetterPrefix,
		Prefetch:         5,
		AckWait:          30 * time.Second,
		MaxDeliver:       3,
		Instances:        1,
		EmptyPolicy:      EmptyAccept,
		MaxAge:           7 * 24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
			"Config", "Validate", "check ingest config")
	}
	switch {
	case c.Stream == "" || c.Consumer == "" || c.DLQStream == "":
		return invalid("stream, consumer and dlq_stream are required")
	case c.Stream == c.DLQStream:
		return invalid("dlq_stream must differ from stream")
	case len(c.Subjects) == 0:
		return invalid("at least one subject is required")
	case c.Prefetch < 1:
		return invalid("prefetch must be at least 1, got %d", c.Prefetch)
	case c.MaxDeliver < 1:
		return invalid("max_deliver must be at least 1, got %d", c.MaxDeliver)
	case c.Instances < 1:
		return invalid("instances must be at least 1, got %d", c.Instances)
	case c.AckWait <= 0:
		return invalid("ack_wait must be positive")
	}
	return c.EmptyPolicy.Validate()
}

// StreamConfig is the inbound telemetry stream definition.
func (c Config) StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      c.Stream,
		Subjects:  c.Subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    c.MaxAge,
	}
}

// DLQStreamConfig is the dead-letter stream definition.
func (c Config) DLQStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       c.DLQStream,
		Subjects:   []string{c.DLQSubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	}
}

// ConsumerConfig is the durable pull consumer definition. MaxAckPending is
// the prefetch bound.
func (c Config) ConsumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       c.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.AckWait,
		MaxDeliver:    c.MaxDeliver,
		MaxAckPending: c.Prefetch,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// Transport is the slice of the NATS client the service uses.
// natsclient.Client satisfies it.
type Transport interface {
	Publisher
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	EnsureConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Unsubscribe(sub *nats.Subscription) error
}

// Service owns the consume loops of the durable consumer.
type Service struct {
	cfg        Config
	transport  Transport
	controller *Controller
	monitor    *health.Monitor
	logger     *slog.Logger

	mu       sync.Mutex
	running  bool
	loops    []jetstream.ConsumeContext
	advisory *nats.Subscription
	cancel   context.CancelFunc
}

// NewService wires a Controller and dead-letter publisher onto transport.
func NewService(cfg Config, transport Transport, dec *decoder.Decoder, writer SignalWriter, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: transport is required", errors.ErrMissingConfig),
			"Service", "NewService", "check dependencies")
	}

	o := buildOptions(opts)
	if o.sink == nil {
		opts = append(opts, WithDeadLetterSink(NewDeadLetterer(transport, cfg.DLQSubjectPrefix)))
	}
	controller, err := NewController(dec, writer, cfg.EmptyPolicy, opts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:        cfg,
		transport:  transport,
		controller: controller,
		monitor:    o.monitor,
		logger:     o.logger.With("component", "ingest", "consumer", cfg.Consumer),
	}, nil
}

// Controller returns the service's controller.
func (s *Service) Controller() *Controller {
	return s.controller
}

// Start provisions the streams and the durable consumer and begins
// consuming with cfg.Instances loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.ErrAlreadyStarted
	}

	stream, err := s.transport.EnsureStream(ctx, s.cfg.StreamConfig())
	if err != nil {
		return errors.Wrap(err, "Service", "Start", "ensure telemetry stream")
	}
	if _, err := s.transport.EnsureStream(ctx, s.cfg.DLQStreamConfig()); err != nil {
		return errors.Wrap(err, "Service", "Start", "ensure dead-letter stream")
	}
	consumer, err := s.transport.EnsureConsumer(ctx, s.cfg.Stream, s.cfg.ConsumerConfig())
	if err != nil {
		return errors.Wrap(err, "Service", "Start", "ensure consumer")
	}

	watcher := NewMaxDeliveryWatcher(stream, s.controller.sink, 0, s.logger)
	watcher.metrics = s.controller.metrics
	advisory, err := s.transport.Subscribe(MaxDeliveriesSubject(s.cfg.Stream, s.cfg.Consumer), watcher.Handler())
	if err != nil {
		return errors.Wrap(err, "Service", "Start", "subscribe to max-delivery advisories")
	}

	// Handlers finish in-flight work during Drain, so they run on a context
	// that outlives the caller's and is canceled only after the loops close.
	runCtx, cancel := context.WithCancel(context.Background())
	loops := make([]jetstream.ConsumeContext, 0, s.cfg.Instances)
	for i := 0; i < s.cfg.Instances; i++ {
		cc, err := consumer.Consume(
			func(msg jetstream.Msg) { s.controller.Handle(runCtx, msg) },
			jetstream.PullMaxMessages(s.cfg.Prefetch),
			jetstream.ConsumeErrHandler(s.consumeError),
		)
		if err != nil {
			for _, l := range loops {
				l.Stop()
			}
			cancel()
			s.releaseAdvisory(advisory)
			s.reportHealth(health.FromError(HealthComponent, err))
			return errors.WrapTransient(err, "Service", "Start", fmt.Sprintf("start consume loop %d", i))
		}
		loops = append(loops, cc)
	}

	s.loops = loops
	s.advisory = advisory
	s.cancel = cancel
	s.running = true
	s.reportHealth(health.NewHealthy(HealthComponent,
		fmt.Sprintf("%d consume loop(s), prefetch %d", s.cfg.Instances, s.cfg.Prefetch)))
	s.logger.Info("Ingest started",
		"stream", s.cfg.Stream,
		"instances", s.cfg.Instances,
		"prefetch", s.cfg.Prefetch,
		"max_deliver", s.cfg.MaxDeliver,
		"empty_policy", string(s.controller.empty))
	return nil
}

// Stop drains every consume loop: no new messages are pulled and messages
// already delivered are settled. It waits for the loops to close or for ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	loops := s.loops
	advisory := s.advisory
	cancel := s.cancel
	s.loops = nil
	s.advisory = nil
	s.running = false
	s.mu.Unlock()

	for _, l := range loops {
		l.Drain()
	}

	var g errgroup.Group
	for _, l := range loops {
		l := l
		g.Go(func() error {
			select {
			case <-l.Closed():
				return nil
			case <-ctx.Done():
				l.Stop()
				return errors.WrapTransient(ctx.Err(), "Service", "Stop", "wait for consume loops to drain")
			}
		})
	}
	stopErr := g.Wait()
	cancel()
	s.releaseAdvisory(advisory)

	s.reportHealth(health.NewUnhealthy(HealthComponent, "stopped"))
	s.logger.Info("Ingest stopped", "drained", stopErr == nil)
	return stopErr
}

func (s *Service) releaseAdvisory(sub *nats.Subscription) {
	if err := s.transport.Unsubscribe(sub); err != nil {
		s.logger.Warn("Failed to release max-delivery advisory subscription", "error", err)
	}
}

func (s *Service) consumeError(_ jetstream.ConsumeContext, err error) {
	s.logger.Warn("Consume loop error", "error", err)
	s.reportHealth(health.NewDegraded(HealthComponent, err.Error()))
}

func (s *Service) reportHealth(status health.Status) {
	if s.monitor != nil {
		s.monitor.Update(HealthComponent, status)
	}
}
