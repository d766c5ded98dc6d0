package pool

import (
	"sync"
)

// Factory builds the pool for a network on first use. The network is always
// in canonical CAIP-2 form by the time it reaches the factory.
type Factory func(network string) (*AccountPool, error)

// Manager owns one AccountPool per supported network. Pools are created
// lazily on first use and live for the remainder of the process.
type Manager struct {
	mu      sync.Mutex
	pools   map[string]*AccountPool
	factory Factory
}

// NewManager creates a Manager with the given pool factory.
func NewManager(factory Factory) *Manager {
	return &Manager{
		pools:   make(map[string]*AccountPool),
		factory: factory,
	}
}

// Pool returns the pool for a network, creating it on first use.
func (m *Manager) Pool(network string) (*AccountPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[network]; ok {
		return p, nil
	}
	p, err := m.factory(network)
	if err != nil {
		return nil, err
	}
	m.pools[network] = p
	return p, nil
}

// Networks lists the networks with an instantiated pool.
func (m *Manager) Networks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	return names
}

// Close shuts down every instantiated pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
}
