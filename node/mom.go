package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MMw-Unibo/tempos4nfv/logger"
	"github.com/MMw-Unibo/tempos4nfv/metrics"
	"github.com/MMw-Unibo/tempos4nfv/mom"
	"github.com/MMw-Unibo/tempos4nfv/transport"
)

// MOM runs the best-effort and strict brokers of one host.
type MOM struct {
	config *MOMConfig
	log    *zap.Logger

	mu      sync.RWMutex
	group   *runGroup
	brokers []*mom.Broker
	tsn     *transport.TSNSender
	admin   *transport.Admin
	metrics *metrics.Server
}

// NewMOM creates a MOM with the given configuration
func NewMOM(config *MOMConfig) (*MOM, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &MOM{config: config, log: logger.Named("mom")}, nil
}

// Start binds both brokers (and the optional admin and metrics servers) and
// serves them in background goroutines. Binding errors are returned here.
func (m *MOM) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.group != nil {
		return ErrAlreadyStarted
	}

	reg, metricsSrv, err := startMetrics(m.config.MetricsAddr, m.log)
	if err != nil {
		return err
	}
	m.metrics = metricsSrv

	for _, q := range []struct {
		class mom.Class
		addr  string
	}{
		{mom.ClassBestEffort, m.config.BestEffortAddr},
		{mom.ClassStrict, m.config.StrictAddr},
	} {
		b, err := m.newBroker(q.class, q.addr, reg)
		if err != nil {
			m.release()
			return err
		}
		m.brokers = append(m.brokers, b)
	}

	if m.config.AdminAddr != "" {
		sources := make([]transport.SnapshotSource, 0, len(m.brokers))
		for _, b := range m.brokers {
			sources = append(sources, b)
		}
		admin, err := transport.NewAdmin(m.config.AdminAddr, m.log.Named("admin"), sources...)
		if err == nil {
			err = admin.Start()
		}
		if err != nil {
			m.release()
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		m.admin = admin
	}

	m.group = newRunGroup()
	for _, b := range m.brokers {
		m.group.goRun("broker "+string(b.Class()), m.log, b.Serve)
	}

	m.log.Info("MOM started",
		zap.String("best_effort", m.config.BestEffortAddr),
		zap.String("strict", m.config.StrictAddr),
		zap.String("admin", m.config.AdminAddr))
	return nil
}

func (m *MOM) newBroker(class mom.Class, addr string, reg *metrics.Registry) (*mom.Broker, error) {
	bm, err := mom.NewMetrics(reg, class)
	if err != nil {
		return nil, err
	}

	log := m.log.Named(string(class))
	opts := []mom.Option{mom.WithLogger(log), mom.WithMetrics(bm)}

	if class == mom.ClassStrict && m.config.TSN.Enabled() {
		tsn, err := transport.NewTSNSender(m.config.TSN.Transport(), log)
		if err != nil {
			return nil, fmt.Errorf("failed to open tsn sender: %w", err)
		}
		m.tsn = tsn
		opts = append(opts, mom.WithSender(tsn))
	}

	b, err := mom.NewBroker(mom.Config{Class: class, Addr: addr, ReadTimeout: m.config.ReadTimeout}, opts...)
	if err != nil {
		return nil, err
	}
	if err := b.Listen(); err != nil {
		return nil, fmt.Errorf("failed to bind %s broker: %w", class, err)
	}
	return b, nil
}

// release closes whatever Start opened so far.
func (m *MOM) release() {
	for _, b := range m.brokers {
		_ = b.Close()
	}
	m.brokers = nil
	if m.tsn != nil {
		_ = m.tsn.Close()
		m.tsn = nil
	}
	if m.admin != nil {
		m.admin.Stop()
		m.admin = nil
	}
	stopMetrics(m.metrics, m.log)
	m.metrics = nil
}

// Stop stops the MOM gracefully
func (m *MOM) Stop() error {
	m.mu.Lock()
	group := m.group
	m.group = nil
	m.mu.Unlock()

	m.log.Info("stopping MOM")
	if group != nil {
		group.stop()
	}

	m.mu.Lock()
	m.release()
	m.mu.Unlock()

	m.log.Info("MOM stopped")
	return nil
}

// Err reports the first broker failure. It is nil before Start.
func (m *MOM) Err() <-chan error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.group == nil {
		return nil
	}
	return m.group.errCh
}

// Brokers returns the running brokers, best-effort first.
func (m *MOM) Brokers() []*mom.Broker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*mom.Broker, len(m.brokers))
	copy(out, m.brokers)
	return out
}

// Broker returns the broker of class, or nil.
func (m *MOM) Broker(class mom.Class) *mom.Broker {
	for _, b := range m.Brokers() {
		if b.Class() == class {
			return b
		}
	}
	return nil
}

// AdminAddr returns the bound admin address, or "".
func (m *MOM) AdminAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.admin == nil {
		return ""
	}
	return m.admin.Addr()
}

// GetConfig returns the configuration (for external access)
func (m *MOM) GetConfig() *MOMConfig {
	return m.config
}

// Serve blocks until ctx is done or a broker fails.
func (m *MOM) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-m.Err():
		return err
	}
}
