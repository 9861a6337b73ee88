package mom

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

	"github.com/MMw-Unibo/tempos4nfv/logger"
	"github.com/MMw-Unibo/tempos4nfv/wire"
)

// Class is a broker's quality-of-service class.
type Class string

const (
	ClassBestEffort Class = "best-effort"
	ClassStrict     Class = "strict"
)

// DefaultReadTimeout bounds each socket read so the loop observes cancellation.
const DefaultReadTimeout = 100 * time.Millisecond

var (
	ErrAddressRequired = errors.New("broker address is required")
	ErrInvalidClass    = errors.New("invalid broker class")
	ErrNotListening    = errors.New("broker is not listening")
)

// Sender forwards an INVOKE datagram to a node.
type Sender interface {
	SendTo(b []byte, dst netip.AddrPort) error
}

// Config configures one broker.
type Config struct {
	Class       Class
	Addr        string
	ReadTimeout time.Duration
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Class != ClassBestEffort && c.Class != ClassStrict {
		return fmt.Errorf("%w: %q", ErrInvalidClass, c.Class)
	}
	if c.Addr == "" {
		return ErrAddressRequired
	}
	if c.ReadTimeout < 0 {
		return errors.New("read timeout must not be negative")
	}
	return nil
}

// Option customizes a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithSender replaces the default sender, which writes from the broker's own
// socket. The strict broker uses this to send through a TxTime socket.
func WithSender(s Sender) Option {
	return func(b *Broker) { b.sender = s }
}

// Broker receives wire messages on one UDP socket, keeps a private Registry
// and forwards INVOKE datagrams to the first registrant of their topic.
type Broker struct {
	cfg      Config
	log      *zap.Logger
	metrics  *Metrics
	sender   Sender
	registry *Registry

	mu     sync.Mutex
	conn   *net.UDPConn
	closed atomic.Bool

	snapshot atomic.Pointer[Snapshot]
}

// NewBroker creates a broker. Call Listen, then Serve.
func NewBroker(cfg Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	b := &Broker{cfg: cfg, registry: NewRegistry()}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logger.Named("mom." + string(cfg.Class))
	}
	b.publish()
	return b, nil
}

// Listen binds the broker's socket. Binding errors surface here, before Serve.
func (b *Broker) Listen() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return errors.New("broker already listening")
	}

	addr, err := net.ResolveUDPAddr("udp", b.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", b.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.cfg.Addr, err)
	}
	b.conn = conn
	if b.sender == nil {
		b.sender = connSender{conn}
	}

	b.log.Info("broker listening", zap.Stringer("addr", conn.LocalAddr()))
	return nil
}

// Addr returns the bound address.
func (b *Broker) Addr() netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return netip.AddrPort{}
	}
	return b.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Class returns the broker's quality class.
func (b *Broker) Class() Class { return b.cfg.Class }

// Snapshot returns the registry state as of the last processed message.
func (b *Broker) Snapshot() *Snapshot {
	return b.snapshot.Load()
}

// Serve runs the receive loop until ctx is done or Close is called. A socket
// failure other than a read timeout ends the loop and is returned.
func (b *Broker) Serve(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() { _ = b.Close() })
	defer stop()

	// One spare byte exposes datagrams above the wire limit.
	buf := make([]byte, wire.MaxDatagramSize+1)
	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if b.closed.Load() {
				return nil
			}
			b.log.Error("socket read failed", zap.Error(err))
			return fmt.Errorf("broker %s read: %w", b.cfg.Class, err)
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		b.dispatch(buf[:n], from)
	}
}

// Close releases the socket. Serve returns nil afterwards.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.conn.Close()
}

func (b *Broker) dispatch(datagram []byte, from netip.AddrPort) {
	if len(datagram) > wire.MaxDatagramSize {
		b.metrics.observeDropped("too_large")
		b.log.Warn("dropping oversized datagram",
			zap.Int("size", len(datagram)), zap.Stringer("from", from))
		return
	}

	msg, err := wire.Decode(datagram)
	if err != nil {
		b.metrics.observeDropped("malformed")
		b.log.Warn("dropping malformed datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}
	b.metrics.observeReceived(msg.Kind().String())

	switch m := msg.(type) {
	case wire.Registration:
		created := b.registry.Register(m.NodeID, m.Topic, from)
		b.log.Info("node registered",
			zap.Uint32("node_id", m.NodeID),
			zap.String("topic", m.Topic),
			zap.Stringer("endpoint", from),
			zap.Bool("new", created))
		b.publish()

	case wire.Monitoring:
		if err := b.registry.UpdateLoad(m.NodeID, m.Load); err != nil {
			b.metrics.observeDropped("unknown_node")
			b.log.Debug("ignoring monitoring", zap.Error(err))
			return
		}
		b.log.Debug("load updated", zap.Uint32("node_id", m.NodeID), zap.Float32("load", m.Load))
		b.publish()

	case wire.Unregistration:
		if err := b.registry.Unregister(m.NodeID); err != nil {
			b.metrics.observeDropped("unknown_node")
			b.log.Debug("ignoring unregistration", zap.Error(err))
			return
		}
		b.log.Info("node unregistered", zap.Uint32("node_id", m.NodeID))
		b.publish()

	case wire.Invoke:
		node, err := b.registry.Route(m.Topic)
		if err != nil {
			b.metrics.observeDropped("unknown_topic")
			b.log.Warn("dropping invocation", zap.Uint32("seq", m.Seq), zap.Error(err))
			return
		}
		// Forward the original bytes; the envelope is never re-encoded.
		err = b.sender.SendTo(datagram, node.Endpoint)
		b.metrics.observeForwarded(err)
		if err != nil {
			b.log.Error("forward failed",
				zap.Uint32("seq", m.Seq),
				zap.Uint32("node_id", node.ID),
				zap.Stringer("endpoint", node.Endpoint),
				zap.Error(err))
			return
		}
		b.log.Debug("invocation forwarded",
			zap.Uint32("seq", m.Seq),
			zap.String("topic", m.Topic),
			zap.Uint32("node_id", node.ID))
	}
}

func (b *Broker) publish() {
	s := b.registry.Snapshot()
	s.Class = b.cfg.Class
	b.snapshot.Store(s)
	b.metrics.observeRegistry(b.registry)
}

type connSender struct {
	conn *net.UDPConn
}

func (s connSender) SendTo(p []byte, dst netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(p, dst)
	return err
}
