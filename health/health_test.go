package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRecorder struct {
	mu    sync.Mutex
	calls map[string]bool
}

func (r *recordingRecorder) RecordHealthStatus(component string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]bool)
	}
	r.calls[component] = healthy
}

func (r *recordingRecorder) get(component string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.calls[component]
	return v, ok
}

func TestStatusConstructors(t *testing.T) {
	h := NewHealthy("store", "ok")
	assert.True(t, h.IsHealthy())
	assert.True(t, h.Healthy)
	assert.False(t, h.IsDegraded())
	assert.NotZero(t, h.Timestamp)

	d := NewDegraded("nats", "reconnecting")
	assert.True(t, d.IsDegraded())
	assert.False(t, d.Healthy)

	u := NewUnhealthy("ingest", "stopped")
	assert.True(t, u.IsUnhealthy())
	assert.False(t, u.Healthy)
}

func TestFromError(t *testing.T) {
	ok := FromError("store", nil)
	assert.True(t, ok.IsHealthy())
	assert.Equal(t, "store", ok.Component)

	bad := FromError("nats", errors.New("dial nats://10.0.0.5:4222 failed"))
	assert.True(t, bad.IsUnhealthy())
	assert.Equal(t, "dial [URL] failed", bad.Message)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"unix path", "unable to open /var/lib/xray/signals.db", "unable to open [PATH]"},
		{"http url", "post to https://example.com/v1/x failed", "post to [URL] failed"},
		{"mqtt url", "broker tcp://broker:1883 refused", "broker [URL] refused"},
		{"ip address", "connect 192.168.1.10 refused", "connect [IP] refused"},
		{"ip and port", "listen on 10.0.0.1:8080", "listen on [IP][PORT]"},
		{"credential", "auth failed password=hunter2", "auth failed [REDACTED]"},
		{"plain", "consumer stopped", "consumer stopped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		subs  []Status
		state State
	}{
		{"no components", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins over degraded", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
		{"unhealthy before degraded", []Status{NewUnhealthy("a", ""), NewDegraded("b", "")}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.state, got.Status)
			assert.Equal(t, "system", got.Component)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_SortsAndCopies(t *testing.T) {
	subs := []Status{NewHealthy("store", ""), NewHealthy("ingest", "")}
	got := Aggregate("system", subs)

	require.Len(t, got.SubStatuses, 2)
	assert.Equal(t, "ingest", got.SubStatuses[0].Component)
	assert.Equal(t, "store", got.SubStatuses[1].Component)
	assert.Equal(t, "store", subs[0].Component, "input must not be reordered")
}

func TestMonitor_UpdateAndGet(t *testing.T) {
	rec := &recordingRecorder{}
	m := NewMonitor(rec, nil)

	m.UpdateHealthy("store", "ok")
	m.UpdateDegraded("nats", "reconnecting")

	s, ok := m.Get("store")
	require.True(t, ok)
	assert.True(t, s.IsHealthy())

	healthy, seen := rec.get("nats")
	assert.True(t, seen)
	assert.False(t, healthy)

	assert.Equal(t, []string{"nats", "store"}, m.Components())
	assert.True(t, m.AggregateHealth("xray").IsDegraded())

	m.Remove("nats")
	_, ok = m.Get("nats")
	assert.False(t, ok)
	assert.True(t, m.AggregateHealth("xray").IsHealthy())
}

func TestMonitor_UpdateOverridesComponentName(t *testing.T) {
	m := NewMonitor(nil, nil)
	m.Update("store", Status{Component: "other", Status: StateUnhealthy})

	s, ok := m.Get("store")
	require.True(t, ok)
	assert.Equal(t, "store", s.Component)
	assert.NotZero(t, s.Timestamp)
}

func TestMonitor_Check(t *testing.T) {
	m := NewMonitor(nil, nil)
	m.Check(context.Background(), map[string]Probe{
		"store": func(context.Context) error { return nil },
		"nats":  func(context.Context) error { return errors.New("not connected") },
	})

	s, _ := m.Get("store")
	assert.True(t, s.IsHealthy())
	n, _ := m.Get("nats")
	assert.True(t, n.IsUnhealthy())
	assert.Equal(t, "not connected", n.Message)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	probe := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	}

	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond, map[string]Probe{"store": probe})
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor(&recordingRecorder{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.UpdateHealthy("store", "ok")
		}()
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("xray")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, len(m.Components()))
}
