package ingest

import (
	"log/slog"

	"github.com/c360/xraysignals/health"
	"github.com/c360/xraysignals/metric"
)

// Option configures a Controller or Service.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	registrar metric.MetricsRegistrar
	monitor   *health.Monitor
	sink      DeadLetterSink
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers ingest metrics with registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(o *options) {
		o.registrar = registrar
	}
}

// WithHealth reports consumer health to monitor. Only the Service uses it.
func WithHealth(monitor *health.Monitor) Option {
	return func(o *options) {
		o.monitor = monitor
	}
}

// WithDeadLetterSink sets where dead-lettered messages are copied. Without a
// sink the controller still terminates them but keeps no copy.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
