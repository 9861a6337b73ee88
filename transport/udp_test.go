package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MMw-Unibo/tempos4nfv/txtime"
)

func TestUDPSender_SendTo(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer recv.Close()

	s, err := NewUDPSender()
	require.NoError(t, err)
	defer s.Close()

	dst := recv.LocalAddr().(*net.UDPAddr).AddrPort()
	require.NoError(t, s.SendTo([]byte("hello"), dst))

	buf := make([]byte, 64)
	require.NoError(t, recv.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := recv.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestConnSender_DoesNotCloseSharedSocket(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	s := NewConnSender(conn)
	require.NoError(t, s.Close())
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).AddrPort(), s.LocalAddr())
	require.NoError(t, s.SendTo([]byte("x"), s.LocalAddr()), "socket still usable")
}

func TestTSNConfig_Validate(t *testing.T) {
	cfg := TSNConfig{Interface: "eth0", Priority: DefaultPriority, Schedule: txtime.DefaultSchedule()}
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.Interface = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Priority = 16
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Schedule.Period = 0
	assert.Error(t, bad.Validate())
}
