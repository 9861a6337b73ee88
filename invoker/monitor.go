package invoker

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/MMw-Unibo/tempos4nfv/wire"
)

// DefaultMonitorInterval is how often the invoker reports its CPU load.
const DefaultMonitorInterval = time.Second

// CPUTimes is a cumulative CPU time sample in seconds.
type CPUTimes struct {
	Idle  float64
	Total float64
}

// CPUSampler returns cumulative CPU times.
type CPUSampler func() (CPUTimes, error)

// ProcStatSampler reads aggregate CPU times from /proc/stat.
func ProcStatSampler() (CPUSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return func() (CPUTimes, error) {
		st, err := fs.Stat()
		if err != nil {
			return CPUTimes{}, err
		}
		c := st.CPUTotal
		idle := c.Idle + c.Iowait
		total := idle + c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
		return CPUTimes{Idle: idle, Total: total}, nil
	}, nil
}

// LoadBetween returns the busy fraction (0.0-1.0) between two samples.
func LoadBetween(prev, cur CPUTimes) float32 {
	total := cur.Total - prev.Total
	if total <= 0 {
		return 0
	}
	load := 1 - (cur.Idle-prev.Idle)/total
	switch {
	case load < 0:
		return 0
	case load > 1:
		return 1
	}
	return float32(load)
}

// datagramSender is implemented by transport.Sender.
type datagramSender interface {
	SendTo(p []byte, dst netip.AddrPort) error
}

// Monitor periodically reports this node's CPU load to the broker as
// MONITORING messages.
type Monitor struct {
	nodeID   uint32
	broker   netip.AddrPort
	interval time.Duration
	sample   CPUSampler
	sender   datagramSender
	log      *zap.Logger
}

// NewMonitor creates a monitor. A zero interval uses DefaultMonitorInterval.
func NewMonitor(nodeID uint32, broker netip.AddrPort, interval time.Duration, sample CPUSampler, sender datagramSender, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		nodeID:   nodeID,
		broker:   broker,
		interval: interval,
		sample:   sample,
		sender:   sender,
		log:      log,
	}
}

// Run reports load once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	prev, err := m.sample()
	if err != nil {
		return fmt.Errorf("initial cpu sample: %w", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cur, err := m.sample()
		if err != nil {
			m.log.Warn("cpu sample failed", zap.Error(err))
			continue
		}
		load := LoadBetween(prev, cur)
		prev = cur

		if err := m.report(load); err != nil {
			m.log.Warn("monitoring report failed", zap.Error(err))
			continue
		}
		m.log.Debug("load reported", zap.Float32("load", load))
	}
}

func (m *Monitor) report(load float32) error {
	b, err := wire.Encode(wire.Monitoring{NodeID: m.nodeID, Load: load})
	if err != nil {
		return err
	}
	return m.sender.SendTo(b, m.broker)
}
