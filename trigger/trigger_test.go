package trigger

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MMw-Unibo/tempos4nfv/wire"
)

func listen(t *testing.T) (*net.UDPConn, netip.AddrPort) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func readInvokes(t *testing.T, conn *net.UDPConn, n int) []wire.Invoke {
	t.Helper()
	var out []wire.Invoke
	buf := make([]byte, wire.MaxDatagramSize)
	for i := 0; i < n; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		size, err := conn.Read(buf)
		require.NoError(t, err)
		msg, err := wire.Decode(buf[:size])
		require.NoError(t, err)
		inv, ok := msg.(wire.Invoke)
		require.True(t, ok)
		out = append(out, inv)
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	_, err := New(Config{Topic: "vpn"}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Broker: netip.MustParseAddrPort("127.0.0.1:1")}, nil, nil)
	assert.Error(t, err)

	tr, err := New(Config{Broker: netip.MustParseAddrPort("127.0.0.1:1"), Topic: "vpn"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultStartInterval, tr.cfg.StartInterval)
	assert.Equal(t, DefaultMinInterval, tr.cfg.MinInterval)
}

func TestTrigger_FixedMode(t *testing.T) {
	conn, addr := listen(t)
	var out bytes.Buffer

	tr, err := New(Config{
		Broker:   addr,
		Topic:    "vpn",
		Payload:  []byte("payload"),
		Messages: 2,
		Interval: time.Millisecond,
	}, &out, zaptest.NewLogger(t))
	require.NoError(t, err)

	sent, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), sent)

	invokes := readInvokes(t, conn, 3)
	for i, inv := range invokes {
		assert.Equal(t, uint32(i), inv.Seq)
		assert.Equal(t, "vpn", inv.Topic)
		assert.Equal(t, []byte("payload"), inv.Data)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "id,interval,ts_send", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,1,"))
	assert.True(t, strings.HasPrefix(lines[3], "2,1,"))
}

func TestTrigger_RampMode(t *testing.T) {
	conn, addr := listen(t)
	var out bytes.Buffer

	tr, err := New(Config{
		Broker:        addr,
		Topic:         "vpn",
		StartInterval: 3 * time.Millisecond,
		MinInterval:   time.Millisecond,
	}, &out, zaptest.NewLogger(t))
	require.NoError(t, err)

	sent, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), sent)
	readInvokes(t, conn, 3)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	for i, want := range []string{"0,3,", "1,2,", "2,1,"} {
		assert.True(t, strings.HasPrefix(lines[i+1], want), "line %q", lines[i+1])
	}
}

func TestTrigger_StopsOnCancel(t *testing.T) {
	_, addr := listen(t)
	tr, err := New(Config{Broker: addr, Topic: "vpn", Messages: 1000, Interval: time.Hour}, &bytes.Buffer{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sent, err := tr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sent)
}
