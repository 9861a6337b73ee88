package node

import (
	"fmt"
	"io"
	"sync"

	"github.com/MMw-Unibo/tempos4nfv/logger"
)

// Manager manages in-process invokers attached to one broker.
type Manager struct {
	invokers []*Invoker // creation order
	template InvokerConfig
	mu       sync.RWMutex
	nextID   uint32 // monotonically increasing node id
}

// NewManager creates a manager whose invokers copy template, with their own
// node id and an ephemeral loopback port.
func NewManager(template InvokerConfig) *Manager {
	return &Manager{
		invokers: make([]*Invoker, 0),
		template: template,
		nextID:   template.NodeID,
	}
}

// CreateInvoker creates and starts a new invoker
func (m *Manager) CreateInvoker() (*Invoker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	config := m.template
	config.NodeID = m.nextID
	config.Addr = "127.0.0.1:0"
	config.Topics = append([]string(nil), m.template.Topics...)
	// Measurement lines would garble a terminal UI; they stay available over NATS.
	config.Output = io.Discard
	config.MetricsAddr = ""
	m.nextID++

	inv, err := NewInvoker(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoker: %w", err)
	}
	if err := inv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start invoker: %w", err)
	}

	m.invokers = append(m.invokers, inv)
	return inv, nil
}

// DeleteInvoker stops and removes an invoker by its index in the list
func (m *Manager) DeleteInvoker(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.invokers) {
		m.mu.Unlock()
		return fmt.Errorf("invalid invoker index: %d", index)
	}
	inv := m.invokers[index]
	m.invokers = append(m.invokers[:index], m.invokers[index+1:]...)
	m.mu.Unlock()

	// Stop asynchronously; the executor unregisters on its way out.
	go func() {
		if err := inv.Stop(); err != nil {
			logger.Errorf("error stopping invoker %d: %v", inv.GetConfig().NodeID, err)
		}
	}()
	return nil
}

// GetInvokers returns a list of all invokers (maintains order)
func (m *Manager) GetInvokers() []*Invoker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Invoker, len(m.invokers))
	copy(out, m.invokers)
	return out
}

// StopAll stops all invokers
func (m *Manager) StopAll() error {
	m.mu.Lock()
	invokers := m.invokers
	m.invokers = nil
	m.mu.Unlock()

	var errs []error
	for _, inv := range invokers {
		if err := inv.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors stopping invokers: %v", errs)
	}
	return nil
}
