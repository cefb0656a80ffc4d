package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/xraysignals/bridge"
	"github.com/c360/xraysignals/decoder"
	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/ingest"
	"github.com/c360/xraysignals/pkg/security"
	"github.com/c360/xraysignals/store"
)

// Config is the complete service configuration.
type Config struct {
	Service    ServiceConfig  `json:"service"`
	NATS       NATSConfig     `json:"nats"`
	Ingest     ingest.Config  `json:"ingest"`
	Validation decoder.Policy `json:"validation"`
	Store      store.Config   `json:"store"`
	HTTP       HTTPConfig     `json:"http"`
	MQTT       bridge.Config  `json:"mqtt"`
	Metrics    MetricsConfig  `json:"metrics"`
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	Name            string        `json:"name"`
	LogLevel        string        `json:"log_level"`
	LogFormat       string        `json:"log_format"`
	HealthInterval  time.Duration `json:"health_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`

	TLS security.ClientTLSConfig `json:"tls,omitempty"`
}

// HTTPConfig configures the CRUD and injection API.
type HTTPConfig struct {
	Addr         string        `json:"addr"`
	CORSOrigins  []string      `json:"cors_origins,omitempty"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	MaxBodyBytes int64         `json:"max_body_bytes"`
	MaxLimit     int           `json:"max_limit"`
	// PublishTimeout bounds each /xray/inject publish.
	PublishTimeout time.Duration `json:"publish_timeout"`
	// InjectRate limits /xray/inject to this many requests per second.
	// Zero means unlimited.
	InjectRate  float64 `json:"inject_rate,omitempty"`
	InjectBurst int     `json:"inject_burst,omitempty"`

	TLS security.ServerTLSConfig `json:"tls,omitempty"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// Default returns the built-in configuration every layer is merged onto.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "xraysignals",
			LogLevel:        "info",
			LogFormat:       "json",
			HealthInterval:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "xraysignals",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Ingest:     ingest.DefaultConfig(),
		Validation: decoder.DefaultPolicy(),
		Store:      store.DefaultConfig(),
		HTTP: HTTPConfig{
			Addr:           ":8080",
			CORSOrigins:    []string{"*"},
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxBodyBytes:   1 << 20,
			MaxLimit:       100,
			PublishTimeout: 5 * time.Second,
		},
		MQTT: bridge.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Service.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level %q must be debug, info, warn or error", c.Service.LogLevel)
	}
	switch c.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format %q must be json or text", c.Service.LogFormat)
	}

	if len(c.NATS.URLs) == 0 {
		return fmt.Errorf("nats.urls is required")
	}
	for i, u := range c.NATS.URLs {
		if !strings.Contains(u, "://") {
			return fmt.Errorf("nats.urls[%d] %q has no scheme", i, u)
		}
	}

	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.Validation.Validate(); err != nil {
		return fmt.Errorf("validation: %w", err)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.MaxOpenConns < 1 {
		return fmt.Errorf("store.max_open_conns must be at least 1")
	}

	if err := c.NATS.TLS.Validate(); err != nil {
		return fmt.Errorf("nats.tls: %w", err)
	}
	if err := c.HTTP.TLS.Validate(); err != nil {
		return fmt.Errorf("http.tls: %w", err)
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.HTTP.MaxLimit < 1 {
		return fmt.Errorf("http.max_limit must be at least 1")
	}
	if c.HTTP.MaxBodyBytes < 1 {
		return fmt.Errorf("http.max_body_bytes must be positive")
	}
	if c.HTTP.InjectRate < 0 || c.HTTP.InjectBurst < 0 {
		return fmt.Errorf("http.inject_rate and http.inject_burst cannot be negative")
	}

	if c.MQTT.Enabled {
		if err := c.MQTT.Validate(); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}
	return nil
}

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	redacted := *c
	redacted.NATS.Password = mask(c.NATS.Password)
	redacted.NATS.Token = mask(c.NATS.Token)
	redacted.MQTT.Password = mask(c.MQTT.Password)
	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
