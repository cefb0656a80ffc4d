package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/c360/xraysignals/decoder"
	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/health"
	"github.com/c360/xraysignals/metric"
	"github.com/c360/xraysignals/query"
	"github.com/c360/xraysignals/store"
	"github.com/c360/xraysignals/telemetry"
)

// SignalStore is the single-record surface of the signal store.
type SignalStore interface {
	Create(ctx context.Context, deviceID string, batch telemetry.DeviceBatch) (*telemetry.Signal, error)
	GetByUUID(ctx context.Context, id string) (*telemetry.Signal, error)
	UpdateByUUID(ctx context.Context, id string, upd store.SignalUpdate) (*telemetry.Signal, error)
	DeleteByUUID(ctx context.Context, id string) (bool, error)
	DeleteByDeviceID(ctx context.Context, deviceID string) (int64, error)
}

// Lister serves list requests. query.Projector satisfies it.
type Lister interface {
	List(ctx context.Context, params query.Params) (telemetry.Page, error)
}

// Publisher forwards injected payloads to the telemetry stream.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// PublishRecorder counts injected messages. metric.Metrics satisfies it.
type PublishRecorder interface {
	RecordMessagePublished(source, subject string)
}

// Config configures the HTTP server.
type Config struct {
	Addr           string
	CORSOrigins    []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxBodyBytes   int64
	PublishTimeout time.Duration
	// InjectRate caps accepted /xray/inject requests per second across all
	// clients. Zero disables the limit.
	InjectRate  float64
	InjectBurst int
	// Policy is applied to points submitted through create and update.
	Policy decoder.Policy
	// HealthName is the system name reported by /health.
	HealthName string
	// TLS, when set, serves HTTPS.
	TLS *tls.Config
}

// Deps are the collaborators the handlers call. Publisher and Monitor may
// be nil: injection then answers 503 and /health reports healthy.
type Deps struct {
	Store     SignalStore
	Lister    Lister
	Publisher Publisher
	Monitor   *health.Monitor
	Recorder  PublishRecorder
	Metrics   metric.MetricsRegistrar
	Logger    *slog.Logger
}

// Server is the HTTP front-end.
type Server struct {
	cfg       Config
	store     SignalStore
	lister    Lister
	publisher Publisher
	monitor   *health.Monitor
	recorder  PublishRecorder
	metrics   *httpMetrics
	limiter   *rate.Limiter
	logger    *slog.Logger
	handler   http.Handler

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// NewServer builds the router.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Lister == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: store and lister are required", errors.ErrMissingConfig),
			"Server", "NewServer", "check dependencies")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.HealthName == "" {
		cfg.HealthName = "xraysignals"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		store:     deps.Store,
		lister:    deps.Lister,
		publisher: deps.Publisher,
		monitor:   deps.Monitor,
		recorder:  deps.Recorder,
		logger:    logger.With("component", "api"),
	}
	if cfg.InjectRate > 0 {
		burst := cfg.InjectBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.InjectRate), burst)
	}
	if deps.Metrics != nil {
		m, err := newHTTPMetrics(deps.Metrics)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/xray/inject", s.handleInject).Methods(http.MethodPost)
	r.HandleFunc("/xray/inject/{source}", s.handleInject).Methods(http.MethodPost)

	r.HandleFunc("/signals", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/signals", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/signals/{uuid}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/signals/{uuid}", s.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/signals/{uuid}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{deviceId}/signals", s.handleDeleteDevice).Methods(http.MethodDelete)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, notFound("route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, &APIError{Code: http.StatusMethodNotAllowed, Message: "method not allowed"})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         3600,
	})
	return requestID(c.Handler(r))
}

// Handler returns the complete HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start HTTP server")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.cfg.Addr))
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.server = srv
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()
	s.logger.Info("HTTP API listening", "addr", s.addr, "tls", s.cfg.TLS != nil)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}
