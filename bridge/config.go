package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/xraysignals/errors"
)

// Config configures the MQTT bridge.
type Config struct {
	Enabled        bool          `json:"enabled"`
	Broker         string        `json:"broker,omitempty"`
	ClientID       string        `json:"client_id,omitempty"`
	Topic          string        `json:"topic,omitempty"`
	QoS            byte          `json:"qos"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	PublishTimeout time.Duration `json:"publish_timeout,omitempty"`
	// Workers forward messages concurrently; QueueSize bounds the backlog.
	// Messages arriving while the backlog is full are dropped.
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

// DefaultConfig returns a disabled bridge listening on xray/+/data.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ClientID:       "xraysignals-bridge",
		Topic:          "xray/+/data",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		Workers:        4,
		QueueSize:      256,
	}
}

// Validate checks a config that is about to be used.
func (c Config) Validate() error {
	if c.Broker == "" {
		return invalid("broker is required")
	}
	if _, err := sourceLevel(c.Topic); err != nil {
		return err
	}
	if c.QoS > 2 {
		return invalid("qos must be 0, 1 or 2")
	}
	if c.ConnectTimeout <= 0 {
		return invalid("connect_timeout must be positive")
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "Bridge", "Validate", "check config")
}

// sourceLevel returns the index of the single '+' level in filter. That
// level of each received topic becomes the NATS source token.
func sourceLevel(filter string) (int, error) {
	if strings.Contains(filter, "#") {
		return 0, invalid(fmt.Sprintf("topic %q must not use '#'", filter))
	}
	idx := -1
	for i, level := range strings.Split(filter, "/") {
		if level != "+" {
			continue
		}
		if idx >= 0 {
			return 0, invalid(fmt.Sprintf("topic %q has more than one '+' level", filter))
		}
		idx = i
	}
	if idx < 0 {
		return 0, invalid(fmt.Sprintf("topic %q needs a '+' level for the device source", filter))
	}
	return idx, nil
}

// SourceFromTopic extracts the source token of topic, which must have been
// matched by filter. ok is false when the level is not a usable NATS token.
func SourceFromTopic(filter, topic string) (source string, ok bool) {
	idx, err := sourceLevel(filter)
	if err != nil {
		return "", false
	}
	levels := strings.Split(topic, "/")
	if idx >= len(levels) {
		return "", false
	}
	source = levels[idx]
	if source == "" || strings.ContainsAny(source, ".*> \t\r\n") {
		return "", false
	}
	return source, true
}
