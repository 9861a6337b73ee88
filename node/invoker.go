package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/MMw-Unibo/tempos4nfv/invoker"
	"github.com/MMw-Unibo/tempos4nfv/logger"
	"github.com/MMw-Unibo/tempos4nfv/metrics"
	"github.com/MMw-Unibo/tempos4nfv/transport"
)

// Invoker runs one worker node: the chain executor over a guest module, the
// load monitor and the measurement sinks.
type Invoker struct {
	config *InvokerConfig
	log    *zap.Logger

	mu       sync.RWMutex
	group    *runGroup
	module   *invoker.Module
	executor *invoker.Executor
	monitor  *transport.UDPSender
	tsn      *transport.TSNSender
	nats     *nats.Conn
	metrics  *metrics.Server
}

// NewInvoker creates an invoker with the given configuration
func NewInvoker(config *InvokerConfig) (*Invoker, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Invoker{
		config: config,
		log:    logger.Named("invoker-" + strconv.FormatUint(uint64(config.NodeID), 10)),
	}, nil
}

// Start binds the invoker socket and starts the executor (which registers the
// topics) and, when enabled, the monitor.
func (n *Invoker) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.group != nil {
		return ErrAlreadyStarted
	}
	if err := n.start(); err != nil {
		n.release()
		return err
	}
	return nil
}

func (n *Invoker) start() error {
	cfg := n.config
	broker, err := cfg.BrokerAddrPort()
	if err != nil {
		return err
	}
	chain, err := cfg.ChainMap()
	if err != nil {
		return err
	}

	reg, metricsSrv, err := startMetrics(cfg.MetricsAddr, n.log)
	if err != nil {
		return err
	}
	n.metrics = metricsSrv
	im, err := invoker.NewMetrics(reg, cfg.NodeID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	n.module, err = invoker.NewModule(ctx, cfg.CacheDir, n.log)
	if err != nil {
		return fmt.Errorf("failed to create guest runtime: %w", err)
	}
	life := invoker.NewLifecycle(n.module, invoker.LifecycleConfig{
		Path:        cfg.ModulePath,
		Mode:        cfg.Mode,
		Threshold:   cfg.AdaptiveThreshold,
		IdleTimeout: cfg.IdleTimeout,
	}, n.log)

	sink, err := n.newSink()
	if err != nil {
		return err
	}

	opts := []invoker.ExecutorOption{
		invoker.WithExecutorLogger(n.log),
		invoker.WithExecutorMetrics(im),
		invoker.WithSink(sink),
	}
	if cfg.TSN.Enabled() {
		n.tsn, err = transport.NewTSNSender(cfg.TSN.Transport(), n.log)
		if err != nil {
			return fmt.Errorf("failed to open tsn sender: %w", err)
		}
		opts = append(opts, invoker.WithForwardSender(n.tsn))
	}

	n.executor, err = invoker.NewExecutor(invoker.ExecutorConfig{
		NodeID:       cfg.NodeID,
		Addr:         cfg.Addr,
		Broker:       broker,
		Topics:       cfg.Topics,
		Chain:        chain,
		PollInterval: cfg.PollInterval,
		Trace:        cfg.Trace,
	}, life, opts...)
	if err != nil {
		return err
	}
	if err := n.executor.Listen(); err != nil {
		return err
	}

	n.group = newRunGroup()
	n.group.goRun("executor", n.log, n.executor.Run)

	if cfg.MonitorInterval > 0 {
		n.startMonitor(broker)
	}

	n.log.Info("invoker started",
		zap.Uint32("node_id", cfg.NodeID),
		zap.Stringer("addr", n.executor.Addr()),
		zap.Stringer("broker", broker),
		zap.String("mode", string(cfg.Mode)),
		zap.String("module", cfg.ModulePath))
	return nil
}

func (n *Invoker) newSink() (invoker.Sink, error) {
	cfg := n.config
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	csvSink, err := invoker.NewCSVSink(out)
	if err != nil {
		return nil, fmt.Errorf("failed to write measurement header: %w", err)
	}
	if cfg.NATSURL == "" {
		return csvSink, nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name(fmt.Sprintf("tempos-invoker-%d", cfg.NodeID)),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	n.nats = nc
	natsSink := invoker.NewNATSSink(nc, cfg.NATSSubject, cfg.NodeID)
	n.log.Info("publishing measurements",
		zap.String("subject", cfg.NATSSubject),
		zap.Stringer("run_id", natsSink.RunID()))
	return invoker.MultiSink{csvSink, natsSink}, nil
}

// startMonitor reports load from a separate socket; a host without procfs
// runs without monitoring.
func (n *Invoker) startMonitor(broker netip.AddrPort) {
	sample, err := invoker.ProcStatSampler()
	if err != nil {
		n.log.Warn("load monitoring disabled", zap.Error(err))
		return
	}
	sender, err := transport.NewUDPSender()
	if err != nil {
		n.log.Warn("load monitoring disabled", zap.Error(err))
		return
	}
	n.monitor = sender
	mon := invoker.NewMonitor(n.config.NodeID, broker, n.config.MonitorInterval, sample, sender, n.log.Named("monitor"))
	n.group.goRun("monitor", n.log, mon.Run)
}

func (n *Invoker) release() {
	ctx := context.Background()
	if n.executor != nil {
		_ = n.executor.Close()
	}
	if n.monitor != nil {
		_ = n.monitor.Close()
		n.monitor = nil
	}
	if n.tsn != nil {
		_ = n.tsn.Close()
		n.tsn = nil
	}
	if n.nats != nil {
		_ = n.nats.Drain()
		n.nats = nil
	}
	if n.module != nil {
		_ = n.module.Close(ctx)
		n.module = nil
	}
	stopMetrics(n.metrics, n.log)
	n.metrics = nil
}

// Stop stops the invoker gracefully. The executor unregisters from the broker
// on its way out.
func (n *Invoker) Stop() error {
	n.mu.Lock()
	group := n.group
	n.group = nil
	n.mu.Unlock()

	n.log.Info("stopping invoker")
	if group != nil {
		group.stop()
	}

	n.mu.Lock()
	n.release()
	n.mu.Unlock()

	n.log.Info("invoker stopped")
	return nil
}

// Err reports the first component failure. It is nil before Start.
func (n *Invoker) Err() <-chan error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.group == nil {
		return nil
	}
	return n.group.errCh
}

// Serve blocks until ctx is done or a component fails.
func (n *Invoker) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-n.Err():
		return err
	}
}

// Addr returns the bound invoker address.
func (n *Invoker) Addr() netip.AddrPort {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.executor == nil {
		return netip.AddrPort{}
	}
	return n.executor.Addr()
}

// GetConfig returns the configuration (for external access)
func (n *Invoker) GetConfig() *InvokerConfig {
	return n.config
}
