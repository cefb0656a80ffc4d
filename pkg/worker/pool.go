// Package worker provides a bounded worker pool. Submission never blocks:
// work that does not fit in the queue is rejected with ErrQueueFull so the
// caller decides whether to drop or fall back.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/xraysignals/metric"
)

// Pool runs processor over submitted items on a fixed number of goroutines.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error

	work    chan T
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	metrics *poolMetrics

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T]) error

// WithMetrics registers the pool's counters under the pool name.
func WithMetrics[T any](registrar metric.MetricsRegistrar) Option[T] {
	return func(p *Pool[T]) error {
		m, err := newPoolMetrics(registrar, p.name)
		if err != nil {
			return err
		}
		p.metrics = m
		return nil
	}
}

// NewPool creates a pool. workers and queueSize default to 4 and 256.
func NewPool[T any](name string, workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Start launches the workers. They stop when Stop is called or ctx ends.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Submit queues one item without blocking.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.work <- item:
		p.submitted.Add(1)
		p.metrics.observeQueue(len(p.work))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.count("dropped")
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for queued items to finish. When ctx ends
// first, the workers' context is canceled and Stop returns ctx.Err().
func (p *Pool[T]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Close releases the pool's metrics.
func (p *Pool[T]) Close() {
	p.metrics.unregister()
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.work),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.work:
			if !ok {
				return
			}
			start := time.Now()
			err := p.processor(ctx, item)

			p.processed.Add(1)
			outcome := "success"
			if err != nil {
				p.failed.Add(1)
				outcome = "error"
			}
			p.metrics.count(outcome)
			p.metrics.observeDuration(outcome, time.Since(start))
			p.metrics.observeQueue(len(p.work))
		}
	}
}

// poolMetrics methods are safe on a nil receiver.
type poolMetrics struct {
	registrar metric.MetricsRegistrar
	service   string
	items     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	depth     *prometheus.GaugeVec
}

func newPoolMetrics(registrar metric.MetricsRegistrar, name string) (*poolMetrics, error) {
	m := &poolMetrics{
		registrar: registrar,
		service:   "worker_" + name,
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "worker_" + name,
			Name:      "items_total",
			Help:      "Work items by outcome (success, error, dropped)",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "worker_" + name,
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing one work item",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"outcome"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "worker_" + name,
			Name:      "queue_depth",
			Help:      "Items waiting in the queue",
		}, nil),
	}
	if err := registrar.RegisterCounterVec(m.service, "items_total", m.items); err != nil {
		return nil, err
	}
	if err := registrar.RegisterHistogramVec(m.service, "processing_duration_seconds", m.duration); err != nil {
		registrar.Unregister(m.service, "items_total")
		return nil, err
	}
	if err := registrar.RegisterGaugeVec(m.service, "queue_depth", m.depth); err != nil {
		registrar.Unregister(m.service, "items_total")
		registrar.Unregister(m.service, "processing_duration_seconds")
		return nil, err
	}
	return m, nil
}

func (m *poolMetrics) count(outcome string) {
	if m != nil {
		m.items.WithLabelValues(outcome).Inc()
	}
}

func (m *poolMetrics) observeDuration(outcome string, d time.Duration) {
	if m != nil {
		m.duration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *poolMetrics) observeQueue(depth int) {
	if m != nil {
		m.depth.WithLabelValues().Set(float64(depth))
	}
}

func (m *poolMetrics) unregister() {
	if m == nil {
		return
	}
	m.registrar.Unregister(m.service, "items_total")
	m.registrar.Unregister(m.service, "processing_duration_seconds")
	m.registrar.Unregister(m.service, "queue_depth")
}
