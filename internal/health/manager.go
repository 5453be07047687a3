// Package health aggregates component health checks and reports state
// transitions.
package health

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"autoinvest/internal/core"
)

// Manager aggregates health status from registered components. It remembers
// the last observed state per component so transitions can be announced
// exactly once.
type Manager struct {
	logger   *zap.Logger
	notifier core.Notifier

	mu     sync.RWMutex
	checks map[string]func(ctx context.Context) error
	failed map[string]bool
}

func NewManager(notifier core.Notifier, logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.With(zap.String("component", "health")),
		notifier: notifier,
		checks:   make(map[string]func(ctx context.Context) error),
		failed:   make(map[string]bool),
	}
}

// Register adds a health check for a component
func (m *Manager) Register(component string, check func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status runs all checks and returns the per-component status strings
func (m *Manager) Status(ctx context.Context) map[string]string {
	m.mu.RLock()
	checks := make(map[string]func(ctx context.Context) error, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	status := make(map[string]string, len(checks))
	for component, check := range checks {
		if err := check(ctx); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// Healthy reports whether every registered component passes its check
func (m *Manager) Healthy(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, check := range m.checks {
		if err := check(ctx); err != nil {
			return false
		}
	}
	return true
}

// Tick runs all checks and notifies once per failure episode: an alert when
// a component turns unhealthy, a recovery note when it heals.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]func(ctx context.Context) error, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	for component, check := range checks {
		err := check(ctx)

		m.mu.Lock()
		wasFailed := m.failed[component]
		m.failed[component] = err != nil
		m.mu.Unlock()

		switch {
		case err != nil && !wasFailed:
			m.logger.Error("component unhealthy", zap.String("check", component), zap.Error(err))
			m.notifier.SystemEvent(ctx, "Health Check Failed", component+": "+err.Error(), true)
		case err == nil && wasFailed:
			m.logger.Info("component recovered", zap.String("check", component))
			m.notifier.SystemEvent(ctx, "Health Check Recovered", component+" is healthy again", false)
		case err != nil:
			m.logger.Warn("component still unhealthy", zap.String("check", component), zap.Error(err))
		}
	}
}
