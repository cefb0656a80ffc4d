package natsclient

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/c360/xraysignals/metric"
)

// settings holds everything NewClient can be configured with.
type settings struct {
	name          string
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	healthInterval  time.Duration
	metricsInterval time.Duration

	circuitThreshold int32
	maxBackoff       time.Duration

	username string
	password string
	token    string
	tls      *tls.Config
}

func defaultSettings() settings {
	return settings{
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		healthInterval:   10 * time.Second,
		metricsInterval:  30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithName sets the connection name reported to the server.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.cfg.name = name
		return nil
	}
}

// WithMaxReconnects bounds reconnect attempts. -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.cfg.maxReconnects = n
		return nil
	}
}

func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.cfg.reconnectWait = d
		}
		return nil
	}
}

// WithTimeout bounds the initial dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.cfg.timeout = d
		}
		return nil
	}
}

// WithHealthInterval sets how often the connection is probed. Zero disables
// probing.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.cfg.healthInterval = d
		return nil
	}
}

// WithCircuitBreakerThreshold sets how many failures open the circuit.
// Values below one keep the default of five.
func WithCircuitBreakerThreshold(n int32) ClientOption {
	return func(c *Client) error {
		if n >= 1 {
			c.cfg.circuitThreshold = n
		}
		return nil
	}
}

func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.cfg.username = username
		c.cfg.password = password
		return nil
	}
}

func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.cfg.token = token
		return nil
	}
}

// WithTLSConfig dials over TLS. A nil config is ignored.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) error {
		c.cfg.tls = cfg
		return nil
	}
}

// WithLogger sets the connection event logger. nil restores the default.
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = NewSlogLogger(nil)
		}
		c.logger = logger
		return nil
	}
}

// WithSlog routes connection events through l.
func WithSlog(l *slog.Logger) ClientOption {
	return WithLogger(NewSlogLogger(l))
}

// WithHealthChangeCallback calls fn, on its own goroutine, whenever the
// connection flips between healthy and unhealthy.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithMetrics records connection state in the registry's core metrics and
// polls stream and consumer state for everything provisioned through this
// client.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return nil
		}
		jsMetrics, err := newJetStreamMetrics(registry)
		if err != nil {
			return err
		}
		c.jsMetrics = jsMetrics
		c.coreMetrics = registry.CoreMetrics()
		return nil
	}
}
