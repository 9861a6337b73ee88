package mom

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MMw-Unibo/tempos4nfv/metrics"
	"github.com/MMw-Unibo/tempos4nfv/wire"
)

type sent struct {
	data []byte
	dst  netip.AddrPort
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *recordingSender) SendTo(p []byte, dst netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{data: append([]byte(nil), p...), dst: dst})
	return nil
}

func (s *recordingSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

func encode(t *testing.T, m wire.Message) []byte {
	t.Helper()
	b, err := wire.Encode(m)
	require.NoError(t, err)
	return b
}

func newTestBroker(t *testing.T, opts ...Option) (*Broker, *recordingSender) {
	t.Helper()
	rs := &recordingSender{}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithSender(rs)}, opts...)
	b, err := NewBroker(Config{Class: ClassStrict, Addr: "127.0.0.1:0"}, opts...)
	require.NoError(t, err)
	return b, rs
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Class: "gold", Addr: "127.0.0.1:0"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidClass)

	cfg = Config{Class: ClassBestEffort}
	assert.ErrorIs(t, cfg.Validate(), ErrAddressRequired)

	_, err := NewBroker(cfg)
	assert.Error(t, err)
}

func TestBroker_DispatchForwardsOriginalDatagram(t *testing.T) {
	b, rs := newTestBroker(t)

	b.dispatch(encode(t, wire.Registration{NodeID: 7, Topic: "vpn"}), epA)
	b.dispatch(encode(t, wire.Registration{NodeID: 8, Topic: "vpn"}), epB)
	b.dispatch(encode(t, wire.Monitoring{NodeID: 7, Load: 0.99}), epA)

	invoke := encode(t, wire.Invoke{Seq: 1, Topic: "vpn", Data: []byte("payload")})
	b.dispatch(invoke, epC)

	got := rs.all()
	require.Len(t, got, 1)
	assert.Equal(t, epA, got[0].dst, "first registrant wins regardless of load")
	assert.Equal(t, invoke, got[0].data)
}

func TestBroker_DispatchDropsAndIgnores(t *testing.T) {
	b, rs := newTestBroker(t)

	b.dispatch(encode(t, wire.Invoke{Seq: 1, Topic: "vpn"}), epA)
	b.dispatch([]byte{0xFF}, epA)
	b.dispatch(make([]byte, wire.MaxDatagramSize+1), epA)
	b.dispatch(encode(t, wire.Monitoring{NodeID: 3, Load: 0.5}), epA)
	b.dispatch(encode(t, wire.Unregistration{NodeID: 3}), epA)

	assert.Empty(t, rs.all())
	assert.Empty(t, b.Snapshot().Nodes)
}

func TestBroker_SnapshotFollowsMutations(t *testing.T) {
	b, _ := newTestBroker(t)
	require.NotNil(t, b.Snapshot())
	assert.Equal(t, ClassStrict, b.Snapshot().Class)

	b.dispatch(encode(t, wire.Registration{NodeID: 7, Topic: "vpn"}), epA)
	b.dispatch(encode(t, wire.Monitoring{NodeID: 7, Load: 0.734}), epA)

	s := b.Snapshot()
	require.Len(t, s.Nodes, 1)
	assert.Equal(t, uint8(73), s.Nodes[0].Load)
	require.Len(t, s.Topics, 1)
	assert.Equal(t, []uint32{7}, s.Topics[0].Nodes)

	b.dispatch(encode(t, wire.Unregistration{NodeID: 7}), epA)
	s = b.Snapshot()
	assert.Empty(t, s.Nodes)
	require.Len(t, s.Topics, 1)
	assert.Empty(t, s.Topics[0].Nodes)
}

func TestBroker_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	m, err := NewMetrics(reg, ClassStrict)
	require.NoError(t, err)

	b, _ := newTestBroker(t, WithMetrics(m))
	b.dispatch(encode(t, wire.Registration{NodeID: 7, Topic: "vpn"}), epA)
	b.dispatch(encode(t, wire.Invoke{Seq: 1, Topic: "vpn"}), epB)
	b.dispatch(encode(t, wire.Invoke{Seq: 2, Topic: "nope"}), epB)

	families, err := reg.Prometheus().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(3), values["tempos_broker_messages_received_total"])
	assert.Equal(t, float64(1), values["tempos_broker_invocations_forwarded_total"])
	assert.Equal(t, float64(1), values["tempos_broker_messages_dropped_total"])
	assert.Equal(t, float64(1), values["tempos_broker_nodes"])

	// A second broker of the same class cannot reuse the registry.
	_, err = NewMetrics(reg, ClassStrict)
	assert.Error(t, err)
	_, err = NewMetrics(reg, ClassBestEffort)
	assert.NoError(t, err)

	nilMetrics, err := NewMetrics(nil, ClassStrict)
	assert.NoError(t, err)
	assert.Nil(t, nilMetrics)
}

func TestBroker_ServeLoopback(t *testing.T) {
	b, err := NewBroker(Config{Class: ClassBestEffort, Addr: "127.0.0.1:0", ReadTimeout: 20 * time.Millisecond},
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, b.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	node, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer node.Close()

	brokerAddr := net.UDPAddrFromAddrPort(b.Addr())
	_, err = node.WriteToUDP(encode(t, wire.Registration{NodeID: 7, Topic: "vpn"}), brokerAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b.Snapshot().Nodes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	client, err := net.DialUDP("udp", nil, brokerAddr)
	require.NoError(t, err)
	defer client.Close()

	invoke := encode(t, wire.Invoke{Seq: 1, Topic: "vpn", Data: []byte("abc")})
	_, err = client.Write(invoke)
	require.NoError(t, err)

	buf := make([]byte, wire.MaxDatagramSize)
	require.NoError(t, node.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := node.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, invoke, buf[:n])
	assert.Equal(t, b.Addr().Port(), uint16(from.Port), "forwarded from the broker socket")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not stop")
	}
}

func TestBroker_ServeRequiresListen(t *testing.T) {
	b, _ := newTestBroker(t)
	assert.ErrorIs(t, b.Serve(context.Background()), ErrNotListening)
}
