// Package health aggregates liveness checks from daemon components.
package health

import (
	"sync"

	"autotrader/internal/core"
)

// Manager implements core.IHealthMonitor over a registry of check funcs.
// Components register once at boot; checks run on demand.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports per-component status strings.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}
