// Package transport holds the outbound datagram senders (plain UDP and the
// Linux TxTime socket) and the admin gRPC service.
package transport

import (
	"fmt"
	"net"
	"net/netip"
)

// Sender sends a datagram to a destination endpoint.
type Sender interface {
	SendTo(p []byte, dst netip.AddrPort) error
	Close() error
}

// UDPSender sends best-effort datagrams from its own socket.
type UDPSender struct {
	conn  *net.UDPConn
	owned bool
}

// NewUDPSender opens an unbound UDP socket for sending.
func NewUDPSender() (*UDPSender, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open udp socket: %w", err)
	}
	return &UDPSender{conn: conn, owned: true}, nil
}

// NewConnSender sends from an existing socket. Close leaves conn open.
func NewConnSender(conn *net.UDPConn) *UDPSender {
	return &UDPSender{conn: conn}
}

func (s *UDPSender) SendTo(p []byte, dst netip.AddrPort) error {
	if _, err := s.conn.WriteToUDPAddrPort(p, dst); err != nil {
		return fmt.Errorf("send to %s: %w", dst, err)
	}
	return nil
}

// LocalAddr returns the socket's local address.
func (s *UDPSender) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *UDPSender) Close() error {
	if !s.owned {
		return nil
	}
	return s.conn.Close()
}
