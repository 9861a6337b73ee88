package node

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MMw-Unibo/tempos4nfv/invoker"
	"github.com/MMw-Unibo/tempos4nfv/mom"
	"github.com/MMw-Unibo/tempos4nfv/transport"
	"github.com/MMw-Unibo/tempos4nfv/wire"
)

// compGuest exports "memory" and comp(in, len, out) -> len, which copies its
// input to out.
var compGuest = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x08, 0x01, 0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x11, 0x02,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x04, 0x63, 0x6f, 0x6d, 0x70, 0x00, 0x00,
	0x0a, 0x10, 0x01, 0x0e,
	0x00, 0x20, 0x02, 0x20, 0x00, 0x20, 0x01, 0xfc, 0x0a, 0x00, 0x00, 0x20, 0x01, 0x0b,
}

func TestMOMConfig_Validate(t *testing.T) {
	cfg := DefaultMOMConfig()
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.StrictAddr = ""
	assert.ErrorIs(t, bad.Validate(), ErrBrokerAddressRequired)

	bad = *cfg
	bad.StrictAddr = bad.BestEffortAddr
	assert.ErrorIs(t, bad.Validate(), ErrAddressConflict)

	bad = *cfg
	bad.ReadTimeout = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidReadTimeout)

	bad = *cfg
	bad.TSN.Interface = "eth0"
	bad.TSN.Reservation = 2 * bad.TSN.Period
	assert.ErrorIs(t, bad.Validate(), ErrInvalidTSN)

	_, err := NewMOM(nil)
	assert.Error(t, err)
}

func TestInvokerConfig_Validate(t *testing.T) {
	cfg := DefaultInvokerConfig(7)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"dcp", "dec", "enc", "out", "vpn"}, cfg.Topics)

	tests := []struct {
		name   string
		mutate func(c *InvokerConfig)
		want   error
	}{
		{"no address", func(c *InvokerConfig) { c.Addr = "" }, ErrAddressRequired},
		{"no broker", func(c *InvokerConfig) { c.Broker = "" }, ErrBrokerAddressRequired},
		{"hostname broker", func(c *InvokerConfig) { c.Broker = "mom:7001" }, ErrInvalidBrokerAddress},
		{"no topics", func(c *InvokerConfig) { c.Topics = nil }, ErrTopicsRequired},
		{"blank topic", func(c *InvokerConfig) { c.Topics = []string{"vpn", " "} }, ErrTopicsRequired},
		{"no module", func(c *InvokerConfig) { c.ModulePath = "" }, ErrModulePathRequired},
		{"bad mode", func(c *InvokerConfig) { c.Mode = "hot" }, ErrInvalidMode},
		{"zero poll", func(c *InvokerConfig) { c.PollInterval = 0 }, ErrInvalidPollInterval},
		{"negative idle", func(c *InvokerConfig) { c.IdleTimeout = -1 }, ErrNegativeDuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultInvokerConfig(7)
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), tt.want)
		})
	}
}

func TestInvokerConfig_ChainMap(t *testing.T) {
	cfg := DefaultInvokerConfig(1)
	c, err := cfg.ChainMap()
	require.NoError(t, err)
	assert.Equal(t, invoker.DefaultChainMap(), c)

	cfg.ChainFile = filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(cfg.ChainFile, []byte("chain:\n  img: {function: resize}\n"), 0o644))
	c, err = cfg.ChainMap()
	require.NoError(t, err)
	assert.Equal(t, invoker.ChainMap{"img": {Function: "resize"}}, c)
}

func TestTSNConfig_Transport(t *testing.T) {
	c := DefaultTSNConfig()
	assert.False(t, c.Enabled())

	c.Interface = "eth0"
	c.StaticTiming = true
	tc := c.Transport()
	assert.True(t, c.Enabled())
	assert.Equal(t, "eth0", tc.Interface)
	assert.False(t, tc.Schedule.DynamicTiming)
	assert.True(t, tc.Schedule.HasRTSlot)
	assert.NoError(t, tc.Validate())
}

func startTestMOM(t *testing.T) *MOM {
	t.Helper()
	cfg := DefaultMOMConfig()
	cfg.BestEffortAddr = "127.0.0.1:0"
	cfg.StrictAddr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.ReadTimeout = 20 * time.Millisecond

	m, err := NewMOM(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	assert.ErrorIs(t, m.Start(), ErrAlreadyStarted)
	require.Len(t, m.Brokers(), 2)
	return m
}

func testInvokerConfig(t *testing.T, broker string) *InvokerConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "final.wasm")
	require.NoError(t, os.WriteFile(path, compGuest, 0o644))

	cfg := DefaultInvokerConfig(7)
	cfg.Addr = "127.0.0.1:0"
	cfg.Broker = broker
	cfg.Topics = []string{"vpn"}
	cfg.ModulePath = path
	cfg.Mode = invoker.ModeWarm
	cfg.PollInterval = time.Millisecond
	cfg.MonitorInterval = 0
	return cfg
}

func TestSystem_InvocationFlowsThroughStrictBroker(t *testing.T) {
	m := startTestMOM(t)
	strict := m.Broker(mom.ClassStrict)
	require.NotNil(t, strict)

	var out bytes.Buffer
	cfg := testInvokerConfig(t, strict.Addr().String())
	cfg.Output = &out

	inv, err := NewInvoker(cfg)
	require.NoError(t, err)
	require.NoError(t, inv.Start())

	// A bare socket plays the node serving the next topic.
	next, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer next.Close()

	brokerAddr := net.UDPAddrFromAddrPort(strict.Addr())
	reg, err := wire.Encode(wire.Registration{NodeID: 8, Topic: "enc"})
	require.NoError(t, err)
	_, err = next.WriteToUDP(reg, brokerAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(strict.Snapshot().Nodes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	trigger, err := wire.Encode(wire.Invoke{Seq: 1, Topic: "vpn", Data: []byte("abc")})
	require.NoError(t, err)
	_, err = next.WriteToUDP(trigger, brokerAddr)
	require.NoError(t, err)

	buf := make([]byte, wire.MaxDatagramSize)
	require.NoError(t, next.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, err := next.Read(buf)
	require.NoError(t, err)
	msg, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, wire.Invoke{Seq: 1, Topic: "enc", Data: []byte("abc")}, msg)

	// The admin service sees the same registry.
	client, err := transport.DialAdmin(m.AdminAddr())
	require.NoError(t, err)
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snaps, err := client.Snapshot(ctx, mom.ClassStrict)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Nodes, 2)

	// Stopping the invoker unregisters node 7 and prunes it from "vpn".
	require.NoError(t, inv.Stop())
	require.Eventually(t, func() bool {
		s := strict.Snapshot()
		for _, topic := range s.Topics {
			if topic.Name == "vpn" {
				return len(s.Nodes) == 1 && len(topic.Nodes) == 0
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, strings.HasPrefix(out.String(), "id,func,ts_start,ts_end\n"))
}

func TestManager_CreateAndDelete(t *testing.T) {
	m := startTestMOM(t)
	strict := m.Broker(mom.ClassStrict)

	template := testInvokerConfig(t, strict.Addr().String())
	template.NodeID = 1
	mgr := NewManager(*template)
	defer func() { _ = mgr.StopAll() }()

	a, err := mgr.CreateInvoker()
	require.NoError(t, err)
	b, err := mgr.CreateInvoker()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a.GetConfig().NodeID)
	assert.Equal(t, uint32(2), b.GetConfig().NodeID)
	assert.NotEqual(t, a.Addr(), b.Addr())

	require.Eventually(t, func() bool {
		return len(strict.Snapshot().Nodes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.DeleteInvoker(0))
	assert.Error(t, mgr.DeleteInvoker(5))
	require.Len(t, mgr.GetInvokers(), 1)
	assert.Equal(t, uint32(2), mgr.GetInvokers()[0].GetConfig().NodeID)

	require.Eventually(t, func() bool {
		s := strict.Snapshot()
		return len(s.Nodes) == 1 && s.Nodes[0].ID == 2
	}, 2*time.Second, 10*time.Millisecond)
}
