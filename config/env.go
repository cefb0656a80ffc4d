package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/xraysignals/decoder"
	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/ingest"
)

// envBinding applies one environment variable to the config.
type envBinding struct {
	suffix string
	apply  func(cfg *Config, val string) error
}

func stringVar(set func(*Config, string)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		set(cfg, val)
		return nil
	}
}

func intVar(set func(*Config, int)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

func floatVar(set func(*Config, float64)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		set(cfg, f)
		return nil
	}
}

func boolVar(set func(*Config, bool)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		set(cfg, b)
		return nil
	}
}

func durationVar(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := parseDurationWithDays(val)
		if err != nil {
			return err
		}
		set(cfg, d)
		return nil
	}
}

var envBindings = []envBinding{
	{"LOG_LEVEL", stringVar(func(c *Config, v string) { c.Service.LogLevel = v })},
	{"LOG_FORMAT", stringVar(func(c *Config, v string) { c.Service.LogFormat = v })},
	{"SHUTDOWN_TIMEOUT", durationVar(func(c *Config, d time.Duration) { c.Service.ShutdownTimeout = d })},

	{"NATS_URLS", stringVar(func(c *Config, v string) { c.NATS.URLs = splitList(v) })},
	{"NATS_USERNAME", stringVar(func(c *Config, v string) { c.NATS.Username = v })},
	{"NATS_PASSWORD", stringVar(func(c *Config, v string) { c.NATS.Password = v })},
	{"NATS_TOKEN", stringVar(func(c *Config, v string) { c.NATS.Token = v })},

	{"INGEST_PREFETCH", intVar(func(c *Config, n int) { c.Ingest.Prefetch = n })},
	{"INGEST_INSTANCES", intVar(func(c *Config, n int) { c.Ingest.Instances = n })},
	{"INGEST_MAX_DELIVER", intVar(func(c *Config, n int) { c.Ingest.MaxDeliver = n })},
	{"INGEST_ACK_WAIT", durationVar(func(c *Config, d time.Duration) { c.Ingest.AckWait = d })},
	{"INGEST_EMPTY_POLICY", stringVar(func(c *Config, v string) { c.Ingest.EmptyPolicy = ingest.EmptyPolicy(v) })},

	{"VALIDATION_MODE", stringVar(func(c *Config, v string) { c.Validation.Mode = decoder.Mode(v) })},

	{"STORE_PATH", stringVar(func(c *Config, v string) { c.Store.Path = v })},
	{"STORE_OP_TIMEOUT", durationVar(func(c *Config, d time.Duration) { c.Store.OpTimeout = d })},

	{"HTTP_ADDR", stringVar(func(c *Config, v string) { c.HTTP.Addr = v })},
	{"HTTP_CORS_ORIGINS", stringVar(func(c *Config, v string) { c.HTTP.CORSOrigins = splitList(v) })},
	{"HTTP_INJECT_RATE", floatVar(func(c *Config, f float64) { c.HTTP.InjectRate = f })},
	{"HTTP_INJECT_BURST", intVar(func(c *Config, n int) { c.HTTP.InjectBurst = n })},

	{"MQTT_ENABLED", boolVar(func(c *Config, b bool) { c.MQTT.Enabled = b })},
	{"MQTT_BROKER", stringVar(func(c *Config, v string) { c.MQTT.Broker = v })},
	{"MQTT_USERNAME", stringVar(func(c *Config, v string) { c.MQTT.Username = v })},
	{"MQTT_PASSWORD", stringVar(func(c *Config, v string) { c.MQTT.Password = v })},

	{"METRICS_ENABLED", boolVar(func(c *Config, b bool) { c.Metrics.Enabled = b })},
	{"METRICS_ADDR", stringVar(func(c *Config, v string) { c.Metrics.Addr = v })},
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, b := range envBindings {
		key := l.envPrefix + "_" + b.suffix
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := checkEnvValue(key, val); err != nil {
			return errors.WrapInvalid(err, "Loader", "Load", "check environment")
		}
		if err := b.apply(cfg, val); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, key, err),
				"Loader", "Load", "apply environment override")
		}
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
