package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/metric"
)

// ConnectionStatus is the client's view of the connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = map[ConnectionStatus]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
	StatusCircuitOpen:  "circuit_open",
}

func (s ConnectionStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages a NATS connection behind a circuit breaker and provisions
// the JetStream resources the pipeline consumes from.
type Client struct {
	url     string
	cfg     settings
	logger  Logger
	status  atomic.Value // ConnectionStatus
	breaker *breaker

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	jsMetrics   *jetstreamMetrics
	coreMetrics *metric.Metrics
	stopPoller  context.CancelFunc

	onHealthChange func(bool)
	healthDone     chan struct{}

	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient returns a disconnected client for url, which may list several
// comma-separated servers.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		cfg:    defaultSettings(),
		logger: NewSlogLogger(nil),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.breaker = newBreaker(c.cfg.circuitThreshold, c.cfg.maxBackoff)
	c.status.Store(StatusDisconnected)
	return c, nil
}

func (c *Client) URL() string { return c.url }

func (c *Client) Status() ConnectionStatus {
	if s, ok := c.status.Load().(ConnectionStatus); ok {
		return s
	}
	return StatusDisconnected
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the failure count since the last successful operation.
func (c *Client) Failures() int32 {
	return c.breaker.failures.Load()
}

// Backoff returns how long the circuit stays open the next time it trips.
func (c *Client) Backoff() time.Duration {
	return c.breaker.wait()
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.coreMetrics == nil {
		return
	}
	c.coreMetrics.RecordNATSStatus(status == StatusConnected)
	open := 0
	if status == StatusCircuitOpen {
		open = 1
	}
	c.coreMetrics.RecordCircuitBreakerState(open)
}

// recordFailure feeds the breaker. When a round of failures reaches the
// threshold the circuit opens for the current backoff, and the backoff
// doubles. A circuit that is already open only grows its backoff.
func (c *Client) recordFailure() {
	total, tripped := c.breaker.fail()
	if !tripped {
		c.logger.Debugf("NATS failure %d", total)
		return
	}

	current := c.Status()
	if current == StatusCircuitOpen {
		c.breaker.grow()
		c.logger.Printf("Circuit breaker still open, backoff now %v", c.breaker.wait())
		return
	}
	if !c.status.CompareAndSwap(current, StatusCircuitOpen) {
		return
	}
	c.setStatus(StatusCircuitOpen)

	wait := c.breaker.grow()
	c.logger.Printf("Circuit breaker opened after %d failures, retry in %v", total, wait)
	time.AfterFunc(wait, c.halfOpen)
}

func (c *Client) resetCircuit() {
	c.breaker.reset()
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpen lets the next Connect through after the backoff.
func (c *Client) halfOpen() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		c.setStatus(StatusDisconnected)
	}
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !c.IsHealthy() {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.cfg.maxReconnects),
		nats.ReconnectWait(c.cfg.reconnectWait),
		nats.PingInterval(c.cfg.pingInterval),
		nats.Timeout(c.cfg.timeout),
		nats.DrainTimeout(c.cfg.drainTimeout),
		nats.DisconnectErrHandler(c.onDisconnected),
		nats.ReconnectHandler(c.onReconnected),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onAsyncError),
	}
	if c.cfg.name != "" {
		opts = append(opts, nats.Name(c.cfg.name))
	}
	if c.cfg.username != "" && c.cfg.password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.username, c.cfg.password))
	}
	if c.cfg.token != "" {
		opts = append(opts, nats.Token(c.cfg.token))
	}
	if c.cfg.tls != nil {
		opts = append(opts, nats.Secure(c.cfg.tls))
	}
	return opts
}

type dialResult struct {
	conn *nats.Conn
	js   jetstream.JetStream
	err  error
}

func (c *Client) dial() dialResult {
	conn, err := nats.Connect(c.url, c.natsOptions()...)
	if err != nil {
		return dialResult{err: err}
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return dialResult{err: err}
	}
	return dialResult{conn: conn, js: js}
}

// Connect dials the server and opens a JetStream context. It fails fast
// with ErrCircuitOpen while the circuit is open.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to NATS at %s", c.url)

	done := make(chan dialResult, 1)
	go func() { done <- c.dial() }()

	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
		res.err = ctx.Err()
	}

	if res.err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	c.mu.Lock()
	c.conn, c.js = res.conn, res.js
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Connected to NATS at %s", c.url)

	if c.cfg.healthInterval > 0 {
		c.startProbing()
	}
	if c.jsMetrics != nil && c.cfg.metricsInterval > 0 {
		c.stopPoller = c.jsMetrics.startPoller(context.Background(), c.cfg.metricsInterval)
	}
	c.notifyHealth(true)
	return nil
}

// Close drains the connection, bounded by ctx and the drain timeout.
// Consumers should be drained by their owners before Close is called.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.stopProbing()
	if c.stopPoller != nil {
		c.stopPoller()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		if err := c.drain(ctx, c.conn); err != nil {
			errs = append(errs, err)
		}
		c.conn.Close()
		c.conn, c.js = nil, nil
	}

	c.cfg.username, c.cfg.password, c.cfg.token = "", "", ""
	c.setStatus(StatusDisconnected)

	for _, err := range errs {
		c.logger.Errorf("Close: %v", err)
	}
	return stderrors.Join(errs...)
}

func (c *Client) drain(ctx context.Context, conn *nats.Conn) error {
	timeout := c.cfg.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	result := make(chan error, 1)
	go func() { result <- conn.Drain() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return errors.Wrap(err, "Client", "Close", "drain connection")
	case <-timer.C:
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout),
			"Client", "Close", "drain connection")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}
}

// RTT measures the round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}

	rtt, err := conn.RTT()
	if err == nil && c.coreMetrics != nil {
		c.coreMetrics.RecordNATSRTT(rtt)
	}
	return rtt, err
}

func (c *Client) notifyHealth(healthy bool) {
	if fn := c.onHealthChange; fn != nil {
		go fn(healthy)
	}
}

func (c *Client) onDisconnected(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Errorf("Disconnected from NATS: %v", err)
	}
	c.notifyHealth(false)
}

func (c *Client) onReconnected(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Reconnected to NATS at %s", c.url)
	if c.coreMetrics != nil {
		c.coreMetrics.RecordNATSReconnect()
	}
	c.notifyHealth(true)
}

func (c *Client) onClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.notifyHealth(false)
}

func (c *Client) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Errorf("NATS error on %s: %v", sub.Subject, err)
		return
	}
	c.logger.Errorf("NATS error: %v", err)
}

// startProbing measures RTT every health interval and reconciles Status
// with the result.
func (c *Client) startProbing() {
	c.stopProbing()

	done := make(chan struct{})
	c.mu.Lock()
	c.healthDone = done
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.healthInterval)
		defer ticker.Stop()
		was := c.IsHealthy()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			_, err := c.RTT()
			healthy := err == nil
			switch status := c.Status(); {
			case healthy && status != StatusConnected:
				c.setStatus(StatusConnected)
			case !healthy && status == StatusConnected:
				c.setStatus(StatusReconnecting)
			}
			if healthy != was {
				c.notifyHealth(healthy)
			}
			was = healthy
		}
	}()
}

func (c *Client) stopProbing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}
