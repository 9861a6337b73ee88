package invoker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MMw-Unibo/tempos4nfv/transport"
	"github.com/MMw-Unibo/tempos4nfv/wire"
)

// DefaultPollInterval is the read deadline of the executor's receive loop.
const DefaultPollInterval = 10 * time.Microsecond

var (
	// ErrUnknownTopic is logged when an INVOKE names a topic with no chain entry.
	ErrUnknownTopic = errors.New("unknown topic")
	ErrNotListening = errors.New("executor is not listening")
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	NodeID uint32
	// Addr is the local address the executor binds (INVKADDR).
	Addr string
	// Broker receives registrations and chained INVOKE messages.
	Broker netip.AddrPort
	// Topics are registered with the broker at start.
	Topics []string
	Chain  ChainMap
	// PollInterval is the read deadline; zero uses DefaultPollInterval.
	PollInterval time.Duration
	// Trace records start and end of every forwarded step.
	Trace bool
}

// Validate checks if the config is valid
func (c *ExecutorConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("executor address is required")
	}
	if !c.Broker.IsValid() {
		return errors.New("broker address is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("at least one topic is required")
	}
	if err := c.Chain.Validate(); err != nil {
		return err
	}
	return c.Chain.Covers(c.Topics)
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// WithExecutorMetrics enables instrumentation.
func WithExecutorMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithForwardSender sends chained INVOKE messages through s instead of the
// executor's socket (e.g. a TxTime sender).
func WithForwardSender(s datagramSender) ExecutorOption {
	return func(e *Executor) { e.forward = s }
}

// WithSink sets where timing measurements go. Without a sink they are dropped.
func WithSink(s Sink) ExecutorOption {
	return func(e *Executor) { e.sink = s }
}

// Executor receives INVOKE messages, runs the chained guest function and
// publishes the output to the next topic through the broker.
type Executor struct {
	cfg     ExecutorConfig
	life    *Lifecycle
	log     *zap.Logger
	metrics *Metrics
	sink    Sink
	forward datagramSender
	now     func() time.Time

	mu     sync.Mutex
	conn   *net.UDPConn
	closed atomic.Bool
}

// NewExecutor validates cfg, including chain coverage of every topic.
func NewExecutor(cfg ExecutorConfig, life *Lifecycle, opts ...ExecutorOption) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if life == nil {
		return nil, errors.New("module lifecycle is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	e := &Executor{cfg: cfg, life: life, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e, nil
}

// Listen binds the executor socket.
func (e *Executor) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return errors.New("executor already listening")
	}
	addr, err := net.ResolveUDPAddr("udp", e.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", e.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.cfg.Addr, err)
	}
	e.conn = conn
	if e.forward == nil {
		e.forward = transport.NewConnSender(conn)
	}
	return nil
}

// Addr returns the bound address.
func (e *Executor) Addr() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return netip.AddrPort{}
	}
	return e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// NodeID returns the configured node id.
func (e *Executor) NodeID() uint32 { return e.cfg.NodeID }

// Topics returns the registered topics.
func (e *Executor) Topics() []string { return e.cfg.Topics }

// Register sends one REGISTRATION per topic from the executor socket, so the
// broker records this socket as the node's endpoint.
func (e *Executor) Register() error {
	conn, err := e.socket()
	if err != nil {
		return err
	}
	for _, topic := range e.cfg.Topics {
		b, err := wire.Encode(wire.Registration{NodeID: e.cfg.NodeID, Topic: topic})
		if err != nil {
			return fmt.Errorf("encode registration for %q: %w", topic, err)
		}
		if _, err := conn.WriteToUDPAddrPort(b, e.cfg.Broker); err != nil {
			return fmt.Errorf("register %q: %w", topic, err)
		}
		e.log.Debug("topic registered", zap.String("topic", topic))
	}
	e.log.Info("invoker registered",
		zap.Uint32("node_id", e.cfg.NodeID),
		zap.Strings("topics", e.cfg.Topics),
		zap.Stringer("broker", e.cfg.Broker))
	return nil
}

// Unregister tells the broker this node is leaving.
func (e *Executor) Unregister() error {
	conn, err := e.socket()
	if err != nil {
		return err
	}
	b, err := wire.Encode(wire.Unregistration{NodeID: e.cfg.NodeID})
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDPAddrPort(b, e.cfg.Broker); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	e.log.Info("invoker unregistered", zap.Uint32("node_id", e.cfg.NodeID))
	return nil
}

func (e *Executor) socket() (*net.UDPConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, ErrNotListening
	}
	return e.conn, nil
}

// Run registers the topics, serves INVOKE messages until ctx is done and
// unregisters before returning. A socket failure other than a read timeout
// ends the loop and is returned.
func (e *Executor) Run(ctx context.Context) error {
	conn, err := e.socket()
	if err != nil {
		return err
	}
	if err := e.Register(); err != nil {
		return err
	}
	defer func() {
		if err := e.Unregister(); err != nil {
			e.log.Warn("unregistration failed", zap.Error(err))
		}
		_ = e.Close()
	}()

	buf := make([]byte, wire.MaxDatagramSize+1)
	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = conn.SetReadDeadline(time.Now().Add(e.cfg.PollInterval))
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				e.life.Idle(ctx)
				continue
			}
			if e.closed.Load() {
				return nil
			}
			e.log.Error("socket read failed", zap.Error(err))
			return fmt.Errorf("invoker %d read: %w", e.cfg.NodeID, err)
		}

		e.handle(ctx, buf[:n])
	}
}

// Close releases the socket.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.conn.Close()
}

func (e *Executor) handle(ctx context.Context, datagram []byte) {
	start := e.now()

	if len(datagram) > wire.MaxDatagramSize {
		e.metrics.observe("too_large")
		e.log.Warn("dropping oversized datagram", zap.Int("size", len(datagram)))
		return
	}
	msg, err := wire.Decode(datagram)
	if err != nil {
		e.metrics.observe("malformed")
		e.log.Warn("dropping malformed datagram", zap.Error(err))
		return
	}
	inv, ok := msg.(wire.Invoke)
	if !ok {
		e.log.Debug("unhandled message", zap.Stringer("kind", msg.Kind()))
		return
	}

	step, ok := e.cfg.Chain[inv.Topic]
	if !ok {
		e.metrics.observe("unknown_topic")
		e.log.Error("dropping invocation",
			zap.Uint32("seq", inv.Seq),
			zap.Error(fmt.Errorf("topic %q: %w", inv.Topic, ErrUnknownTopic)))
		return
	}

	if step.IsTimingSink() {
		e.metrics.observe("timed")
		e.record(Measurement{Seq: inv.Seq, Function: step.Function, Start: 0, End: e.now().UnixNano()})
		return
	}

	out, err := e.life.Exec(ctx, step.Function, inv.Data)
	e.metrics.observeExec(step.Function, e.now().Sub(start), e.life.Loads())
	if err != nil {
		e.metrics.observe("failed")
		e.log.Error("invocation failed",
			zap.Uint32("seq", inv.Seq),
			zap.String("function", step.Function),
			zap.Error(err))
		return
	}
	e.log.Debug("function executed",
		zap.Uint32("seq", inv.Seq),
		zap.String("function", step.Function),
		zap.Int("output_len", len(out)))

	if step.Next == "" {
		e.metrics.observe("completed")
		return
	}

	b, err := wire.Encode(wire.Invoke{Seq: inv.Seq, Topic: step.Next, Data: out})
	if err != nil {
		e.metrics.observe("failed")
		e.log.Error("cannot forward output",
			zap.Uint32("seq", inv.Seq),
			zap.String("next", step.Next),
			zap.Error(err))
		return
	}

	if e.cfg.Trace {
		e.record(Measurement{Seq: inv.Seq, Function: step.Function, Start: start.UnixNano(), End: e.now().UnixNano()})
	}

	if err := e.forward.SendTo(b, e.cfg.Broker); err != nil {
		e.metrics.observe("send_error")
		e.log.Error("forward failed", zap.Uint32("seq", inv.Seq), zap.Error(err))
		return
	}
	e.metrics.observe("forwarded")
}

func (e *Executor) record(m Measurement) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Record(m); err != nil {
		e.log.Warn("measurement not recorded", zap.Error(err))
	}
}
