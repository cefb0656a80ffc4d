package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Recorder receives health transitions, typically the core prometheus metrics.
type Recorder interface {
	RecordHealthStatus(component string, healthy bool)
}

// Probe checks a single dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// Monitor tracks the health of named components in a thread-safe manner.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	recorder Recorder
	logger   *slog.Logger
}

// NewMonitor creates a monitor. recorder and logger may be nil.
func NewMonitor(recorder Recorder, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		statuses: make(map[string]Status),
		recorder: recorder,
		logger:   logger.With("component", "health"),
	}
}

// Update stores the status for name. Transitions between healthy and
// not-healthy are logged.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	prev, existed := m.statuses[name]
	m.statuses[name] = status
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordHealthStatus(name, status.Healthy)
	}
	if !existed || prev.Status != status.Status {
		m.logger.Info("Health changed",
			"target", name, "status", string(status.Status), "message", status.Message)
	}
}

// UpdateHealthy marks name as healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks name as unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks name as degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove stops tracking name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Components returns the tracked component names in sorted order.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateHealth returns the combined status of every tracked component.
func (m *Monitor) AggregateHealth(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()
	return Aggregate(system, subs)
}

// Check runs every probe once and records the results.
func (m *Monitor) Check(ctx context.Context, probes map[string]Probe) {
	for name, probe := range probes {
		m.Update(name, FromError(name, probe(ctx)))
	}
}

// Run checks probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, probes map[string]Probe) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.Check(ctx, probes)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx, probes)
		}
	}
}
