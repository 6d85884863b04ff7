package circuitbreaker

import (
	"sync"

	"etl-engine/internal/common/logging"
)

// Manager hands out one breaker per plugin name so all tasks hitting the
// same backend share failure state.
type Manager struct {
	config   Config
	logger   logging.Logger
	breakers map[string]*Breaker
	mu       sync.Mutex
}

// NewManager creates a breaker manager with a shared config.
func NewManager(config Config, logger logging.Logger) *Manager {
	return &Manager{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(name, m.config, m.logger)
	m.breakers[name] = b
	return b
}
