// Package health provides a cached liveness signal for the semantic authority
// backend so the gate can refuse work against a dependency that is known to
// be down.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the probe and the positive-result cache.
const (
	DefaultProbeTimeout = 500 * time.Millisecond
	DefaultTTL          = 30 * time.Second
)

// Pinger performs a trivial round-trip against a backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Status is a snapshot of the cached state.
type Status struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor caches positive probe results for TTL. A negative or stale result
// is never reused: the next call probes again.
type Monitor struct {
	pinger       Pinger
	probeTimeout time.Duration
	ttl          time.Duration
	clock        func() time.Time
	logger       *slog.Logger

	mu    sync.Mutex
	state Status
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTTL overrides how long a positive result is trusted.
func WithTTL(ttl time.Duration) Option { return func(m *Monitor) { m.ttl = ttl } }

// WithProbeTimeout overrides the probe deadline.
func WithProbeTimeout(d time.Duration) Option { return func(m *Monitor) { m.probeTimeout = d } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(m *Monitor) { m.clock = clock } }

// NewMonitor creates a monitor for p.
func NewMonitor(p Pinger, opts ...Option) *Monitor {
	m := &Monitor{
		pinger:       p,
		probeTimeout: DefaultProbeTimeout,
		ttl:          DefaultTTL,
		clock:        time.Now,
		logger:       slog.Default().With("component", "health"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// IsHealthy returns the cached positive result if it is younger than TTL,
// and otherwise probes. Probes run outside the lock; concurrent callers may
// probe at the same time and the last writer wins.
func (m *Monitor) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	cached := m.state
	m.mu.Unlock()

	if cached.Healthy && m.clock().Sub(cached.CheckedAt) < m.ttl {
		return true
	}
	return m.Probe(ctx)
}

// Probe checks the backend unconditionally and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.ping(pctx)
	next := Status{Healthy: err == nil, CheckedAt: m.clock()}
	if err != nil {
		next.LastError = err.Error()
		m.logger.WarnContext(ctx, "semantic backend probe failed", "error", err)
	}

	m.mu.Lock()
	m.state = next
	m.mu.Unlock()
	return next.Healthy
}

// ping bounds the backend call by ctx even when the pinger ignores it. A
// panicking pinger counts as down.
func (m *Monitor) ping(ctx context.Context) error {
	if m.pinger == nil {
		return errNoPinger
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r}
			}
		}()
		done <- m.pinger.Ping(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errProbeTimeout, ctx.Err())
	}
}

// Status returns the last recorded state without probing.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
