// Package main runs the xraysignals telemetry ingest service: the JetStream
// ingest pipeline, the signal store, the HTTP API and the optional MQTT
// bridge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/xraysignals/api"
	"github.com/c360/xraysignals/bridge"
	"github.com/c360/xraysignals/config"
	"github.com/c360/xraysignals/decoder"
	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/health"
	"github.com/c360/xraysignals/ingest"
	"github.com/c360/xraysignals/metric"
	"github.com/c360/xraysignals/natsclient"
	"github.com/c360/xraysignals/pkg/retry"
	"github.com/c360/xraysignals/pkg/tlsutil"
	"github.com/c360/xraysignals/query"
	"github.com/c360/xraysignals/store"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "xraysignals"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowHelp {
		return nil
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Service.LogLevel, cfg.Service.LogFormat, cfg.Service.Name)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting xraysignals",
		"version", Version,
		"build_time", BuildTime,
		"config_layers", cliCfg.ConfigPaths)

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := start(signalCtx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("xraysignals started",
		"http_addr", app.api.Addr(),
		"stream", cfg.Ingest.Stream,
		"consumer", cfg.Ingest.Consumer,
		"instances", cfg.Ingest.Instances,
		"mqtt_bridge", cfg.MQTT.Enabled)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := app.shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("xraysignals shutdown complete")
	return nil
}

func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range cliCfg.ConfigPaths {
		loader.AddLayer(p)
	}
	if cliCfg.EnvFile != "" {
		loader.AddDotEnv(cliCfg.EnvFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Service.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Service.LogFormat = cliCfg.LogFormat
	}
	return cfg, nil
}

// application holds everything that needs an orderly shutdown.
type application struct {
	logger        *slog.Logger
	metricsServer *metric.Server
	store         *store.Store
	nats          *natsclient.Client
	ingest        *ingest.Service
	api           *api.Server
	bridge        *bridge.Bridge
	stopProbes    context.CancelFunc
}

// start brings components up in dependency order. On failure everything
// already started is shut down.
func start(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *application, err error) {
	app = &application{logger: logger}
	defer func() {
		if err != nil {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
			defer cancel()
			_ = app.shutdown(cleanupCtx)
		}
	}()

	registry := metric.NewMetricsRegistry()
	if cfg.Metrics.Enabled {
		app.metricsServer = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry)
		if err := app.metricsServer.Start(); err != nil {
			return app, fmt.Errorf("start metrics server: %w", err)
		}
	}

	monitor := health.NewMonitor(registry.CoreMetrics(), logger)

	startup := retry.Startup()
	startup.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("Startup dependency not ready, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	app.store, err = retry.DoWithResult(ctx, startup, func(ctx context.Context) (*store.Store, error) {
		return store.Open(ctx, cfg.Store, store.WithLogger(logger), store.WithMetrics(registry))
	})
	if err != nil {
		return app, fmt.Errorf("open signal store: %w", err)
	}

	app.nats, err = newNATSClient(cfg, registry, logger)
	if err != nil {
		return app, err
	}
	if err := retry.Do(ctx, startup, app.nats.Connect); err != nil {
		return app, fmt.Errorf("connect to NATS: %w", err)
	}

	dec, err := decoder.New(cfg.Validation, logger)
	if err != nil {
		return app, fmt.Errorf("create decoder: %w", err)
	}

	app.ingest, err = ingest.NewService(cfg.Ingest, app.nats, dec, app.store,
		ingest.WithLogger(logger),
		ingest.WithMetrics(registry),
		ingest.WithHealth(monitor))
	if err != nil {
		return app, fmt.Errorf("create ingest service: %w", err)
	}
	if err := app.ingest.Start(ctx); err != nil {
		return app, fmt.Errorf("start ingest service: %w", err)
	}

	serverTLS, err := tlsutil.LoadServerTLSConfig(cfg.HTTP.TLS)
	if err != nil {
		return app, fmt.Errorf("load HTTP TLS config: %w", err)
	}
	app.api, err = api.NewServer(api.Config{
		Addr:           cfg.HTTP.Addr,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		PublishTimeout: cfg.HTTP.PublishTimeout,
		InjectRate:     cfg.HTTP.InjectRate,
		InjectBurst:    cfg.HTTP.InjectBurst,
		Policy:         cfg.Validation,
		HealthName:     cfg.Service.Name,
		TLS:            serverTLS,
	}, api.Deps{
		Store:     app.store,
		Lister:    query.New(app.store, cfg.HTTP.MaxLimit),
		Publisher: app.nats,
		Monitor:   monitor,
		Recorder:  registry.CoreMetrics(),
		Metrics:   registry,
		Logger:    logger,
	})
	if err != nil {
		return app, fmt.Errorf("create HTTP API: %w", err)
	}
	if err := app.api.Start(); err != nil {
		return app, fmt.Errorf("start HTTP API: %w", err)
	}

	if cfg.MQTT.Enabled {
		app.bridge, err = bridge.New(cfg.MQTT, app.nats,
			bridge.WithLogger(logger),
			bridge.WithHealth(monitor),
			bridge.WithMetrics(registry))
		if err != nil {
			return app, fmt.Errorf("create MQTT bridge: %w", err)
		}
		if err := app.bridge.Start(ctx); err != nil {
			return app, fmt.Errorf("start MQTT bridge: %w", err)
		}
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	app.stopProbes = cancel
	go monitor.Run(probeCtx, cfg.Service.HealthInterval, map[string]health.Probe{
		"store": app.store.Ping,
		"nats":  natsProbe(app.nats),
	})

	return app, nil
}

func newNATSClient(cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*natsclient.Client, error) {
	tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.NATS.TLS)
	if err != nil {
		return nil, fmt.Errorf("load NATS TLS config: %w", err)
	}

	opts := []natsclient.ClientOption{
		natsclient.WithTLSConfig(tlsConfig),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithTimeout(cfg.NATS.Timeout),
		natsclient.WithSlog(logger),
		natsclient.WithMetrics(registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				logger.Info("NATS connection healthy")
				return
			}
			logger.Warn("NATS connection unhealthy")
		}),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	return client, nil
}

func natsProbe(client *natsclient.Client) health.Probe {
	return func(context.Context) error {
		if !client.IsHealthy() {
			return errors.WrapTransient(errors.ErrConnectionLost, "Client", "Probe", "check connection")
		}
		_, err := client.RTT()
		return err
	}
}

// shutdown stops producers before consumers and consumers before storage:
// bridge, HTTP API, ingest drain, store, NATS, metrics.
func (a *application) shutdown(ctx context.Context) error {
	var errs []error

	if a.stopProbes != nil {
		a.stopProbes()
	}
	if a.bridge != nil {
		if err := a.bridge.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop MQTT bridge: %w", err))
		}
		a.bridge.Close()
	}
	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop HTTP API: %w", err))
		}
	}
	if a.ingest != nil {
		if err := a.ingest.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop ingest service: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close signal store: %w", err))
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS client: %w", err))
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}

	for _, err := range errs {
		a.logger.Error("Shutdown step failed", "error", err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
