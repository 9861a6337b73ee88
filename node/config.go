package node

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/MMw-Unibo/tempos4nfv/invoker"
	"github.com/MMw-Unibo/tempos4nfv/mom"
	"github.com/MMw-Unibo/tempos4nfv/transport"
	"github.com/MMw-Unibo/tempos4nfv/txtime"
)

// Default configuration constants
const (
	DefaultBestEffortAddr = "127.0.0.1:7000"
	DefaultStrictAddr     = "127.0.0.1:7001"
	DefaultAdminAddr      = "127.0.0.1:7070"
	DefaultInvokerAddr    = "127.0.0.1:7100"
)

// TSNConfig enables TxTime transmission when Interface is set.
type TSNConfig struct {
	Interface   string
	Priority    int
	Period      time.Duration
	Reservation time.Duration
	// StaticTiming aligns every packet to the RT slot instead of sending at
	// now + threshold.
	StaticTiming bool
	// NoRTSlot sends at now; the schedule has no reserved window.
	NoRTSlot bool
}

// DefaultTSNConfig returns a disabled TSN config with the reference schedule.
func DefaultTSNConfig() TSNConfig {
	s := txtime.DefaultSchedule()
	return TSNConfig{
		Priority:    transport.DefaultPriority,
		Period:      s.Period,
		Reservation: s.Reservation,
	}
}

// Enabled reports whether a TxTime socket should be opened.
func (c TSNConfig) Enabled() bool { return c.Interface != "" }

// Transport converts the config into a transport.TSNConfig.
func (c TSNConfig) Transport() transport.TSNConfig {
	s := txtime.DefaultSchedule()
	s.Period = c.Period
	s.Reservation = c.Reservation
	s.DynamicTiming = !c.StaticTiming
	s.HasRTSlot = !c.NoRTSlot
	return transport.TSNConfig{Interface: c.Interface, Priority: c.Priority, Schedule: s}
}

// MOMConfig holds the configuration of a MOM process.
type MOMConfig struct {
	// BestEffortAddr is the best-effort broker's address (BQADDR).
	BestEffortAddr string
	// StrictAddr is the strict broker's address (SQADDR).
	StrictAddr string
	// AdminAddr serves registry snapshots over gRPC; empty disables it.
	AdminAddr string
	// MetricsAddr serves Prometheus metrics; empty disables them.
	MetricsAddr string
	ReadTimeout time.Duration
	// TSN applies to the strict broker's forwards.
	TSN TSNConfig
}

// DefaultMOMConfig returns a config with sensible defaults
func DefaultMOMConfig() *MOMConfig {
	return &MOMConfig{
		BestEffortAddr: DefaultBestEffortAddr,
		StrictAddr:     DefaultStrictAddr,
		AdminAddr:      DefaultAdminAddr,
		ReadTimeout:    mom.DefaultReadTimeout,
		TSN:            DefaultTSNConfig(),
	}
}

// Validate checks if the config is valid
func (c *MOMConfig) Validate() error {
	if c.BestEffortAddr == "" || c.StrictAddr == "" {
		return ErrBrokerAddressRequired
	}
	if c.BestEffortAddr == c.StrictAddr && !strings.HasSuffix(c.StrictAddr, ":0") {
		return fmt.Errorf("%w: both brokers on %s", ErrAddressConflict, c.StrictAddr)
	}
	if c.ReadTimeout <= 0 {
		return ErrInvalidReadTimeout
	}
	if c.TSN.Enabled() {
		tc := c.TSN.Transport()
		if err := tc.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTSN, err)
		}
	}
	return nil
}

// InvokerConfig holds the configuration of one invoker node.
type InvokerConfig struct {
	NodeID uint32
	// Addr is the invoker's own address (INVKADDR).
	Addr string
	// Broker is the MOM broker address the invoker registers with.
	Broker string
	Topics []string

	ModulePath        string
	CacheDir          string
	Mode              invoker.Mode
	AdaptiveThreshold time.Duration
	IdleTimeout       time.Duration
	PollInterval      time.Duration

	// ChainFile overrides the built-in chain map.
	ChainFile string
	// Trace records start and end of every forwarded step.
	Trace bool
	// Output receives measurement CSV lines.
	Output io.Writer

	// MonitorInterval between MONITORING reports; zero disables them.
	MonitorInterval time.Duration

	// NATSURL, when set, also publishes measurements to NATSSubject.
	NATSURL     string
	NATSSubject string

	MetricsAddr string
	TSN         TSNConfig
}

// DefaultInvokerConfig returns a config with sensible defaults
func DefaultInvokerConfig(nodeID uint32) *InvokerConfig {
	return &InvokerConfig{
		NodeID:            nodeID,
		Addr:              DefaultInvokerAddr,
		Broker:            DefaultStrictAddr,
		Topics:            invoker.DefaultChainMap().Topics(),
		ModulePath:        invoker.DefaultModulePath,
		Mode:              invoker.ModeCold,
		AdaptiveThreshold: invoker.DefaultAdaptiveThreshold,
		PollInterval:      invoker.DefaultPollInterval,
		Output:            os.Stdout,
		MonitorInterval:   invoker.DefaultMonitorInterval,
		NATSSubject:       invoker.DefaultMeasurementSubject,
		TSN:               DefaultTSNConfig(),
	}
}

// Validate checks if the config is valid
func (c *InvokerConfig) Validate() error {
	if c.Addr == "" {
		return ErrAddressRequired
	}
	if c.Broker == "" {
		return ErrBrokerAddressRequired
	}
	if _, err := c.BrokerAddrPort(); err != nil {
		return err
	}
	if len(c.Topics) == 0 {
		return ErrTopicsRequired
	}
	for _, t := range c.Topics {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: empty topic", ErrTopicsRequired)
		}
	}
	if c.ModulePath == "" {
		return ErrModulePathRequired
	}
	if _, err := invoker.ParseMode(string(c.Mode)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}
	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if c.MonitorInterval < 0 || c.IdleTimeout < 0 || c.AdaptiveThreshold < 0 {
		return ErrNegativeDuration
	}
	if c.TSN.Enabled() {
		tc := c.TSN.Transport()
		if err := tc.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTSN, err)
		}
	}
	return nil
}

// BrokerAddrPort resolves Broker, which must be a literal IP and port.
func (c *InvokerConfig) BrokerAddrPort() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(c.Broker)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidBrokerAddress, err)
	}
	return ap, nil
}

// ChainMap returns the chain map from ChainFile, or the built-in one.
func (c *InvokerConfig) ChainMap() (invoker.ChainMap, error) {
	if c.ChainFile == "" {
		return invoker.DefaultChainMap(), nil
	}
	return invoker.LoadChainMap(c.ChainFile)
}
