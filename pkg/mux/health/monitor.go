// Package health periodically probes backend liveness and reports
// confirmed failures to the registry.
//
// The monitor never flaps a backend on a single missed probe: only a
// run of consecutive failures reaching the configured threshold marks
// it degraded. Probes for different backends run concurrently so one
// slow backend cannot delay detection on the others.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/config"
)

// Prober is the registry surface the monitor needs: enumerate
// backends, probe the live ones, and report confirmed failures.
type Prober interface {
	Backends() []string
	State(name string) (mux.BackendState, bool)
	Ping(ctx context.Context, name string) error
	MarkDegraded(name string, cause error)
}

// Monitor drives periodic liveness checks.
type Monitor struct {
	prober Prober
	cfg    config.HealthConfig

	mu sync.Mutex
	// failures counts consecutive probe failures per backend. Reset on
	// success and whenever the backend leaves Ready, so a reconnected
	// backend starts with a clean slate.
	failures map[string]int
}

// NewMonitor creates a monitor probing through p.
func NewMonitor(p Prober, cfg config.HealthConfig) *Monitor {
	return &Monitor{
		prober:   p,
		cfg:      cfg,
		failures: make(map[string]int),
	}
}

// Run probes on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Interval.Duration()
	if interval <= 0 {
		logger.Info("health monitoring disabled")
		return
	}

	logger.Infow("health monitor started",
		"interval", interval,
		"timeout", m.cfg.Timeout.Duration(),
		"failure_threshold", m.cfg.FailureThreshold)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs one probe round across all backends. Exported so a
// round can be driven without the ticker.
func (m *Monitor) CheckOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range m.prober.Backends() {
		state, ok := m.prober.State(name)
		if !ok {
			continue
		}
		if state != mux.StateReady {
			// Not our business: starting, reconnecting and stopped
			// backends are the lifecycle machinery's problem.
			m.resetFailures(name)
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.probe(ctx, name)
		}(name)
	}
	wg.Wait()
}

// probe pings one backend and applies the failure-threshold policy.
func (m *Monitor) probe(ctx context.Context, name string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout.Duration())
	defer cancel()

	err := m.prober.Ping(probeCtx, name)
	if err == nil {
		m.resetFailures(name)
		return
	}

	count := m.bumpFailures(name)
	logger.Warnw("health probe failed",
		"backend", name, "consecutive_failures", count, "error", err)

	if count >= m.cfg.FailureThreshold {
		m.resetFailures(name)
		m.prober.MarkDegraded(name, err)
	}
}

func (m *Monitor) bumpFailures(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name]++
	return m.failures[name]
}

func (m *Monitor) resetFailures(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, name)
}
