//go:build linux

package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// sock_txtime flags (linux/net_tstamp.h).
const (
	txtimeDeadlineMode = 1 << 0
	txtimeReportErrors = 1 << 1
)

// TSNSender transmits each datagram with an SCM_TXTIME launch time so the
// ETF qdisc releases it inside the real-time slot.
type TSNSender struct {
	cfg  TSNConfig
	conn *net.UDPConn
	log  *zap.Logger
}

// NewTSNSender opens a UDP socket bound to cfg.Interface with SO_PRIORITY and
// SO_TXTIME (CLOCK_TAI, deadline mode, error reporting) configured.
func NewTSNSender(cfg TSNConfig, log *zap.Logger) (*TSNSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = taiNow
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open udp socket: %w", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to access socket: %w", err)
	}

	var serr error
	err = raw.Control(func(fd uintptr) {
		s := int(fd)
		if serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_PRIORITY, cfg.Priority); serr != nil {
			serr = fmt.Errorf("SO_PRIORITY: %w", serr)
			return
		}
		if serr = unix.BindToDevice(s, cfg.Interface); serr != nil {
			serr = fmt.Errorf("SO_BINDTODEVICE %s: %w", cfg.Interface, serr)
			return
		}
		if serr = unix.SetsockoptString(s, unix.SOL_SOCKET, unix.SO_TXTIME, string(sockTxtime())); serr != nil {
			serr = fmt.Errorf("SO_TXTIME: %w", serr)
		}
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure tsn socket: %w", err)
	}

	log.Info("tsn sender ready",
		zap.String("interface", cfg.Interface),
		zap.Int("priority", cfg.Priority),
		zap.Duration("period", cfg.Schedule.Period),
		zap.Duration("reservation", cfg.Schedule.Reservation),
		zap.Bool("dynamic", cfg.Schedule.DynamicTiming))

	return &TSNSender{cfg: cfg, conn: conn, log: log}, nil
}

// sockTxtime encodes struct sock_txtime { clockid_t clockid; __u32 flags; }.
func sockTxtime() []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint32(b[0:4], uint32(unix.CLOCK_TAI))
	binary.NativeEndian.PutUint32(b[4:8], txtimeDeadlineMode|txtimeReportErrors)
	return b
}

// txtimeControl builds the SCM_TXTIME control message carrying launch (ns).
func txtimeControl(launch uint64) []byte {
	oob := make([]byte, unix.CmsgSpace(8))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&oob[0]))
	h.Level = unix.SOL_SOCKET
	h.Type = unix.SCM_TXTIME
	h.SetLen(unix.CmsgLen(8))
	binary.NativeEndian.PutUint64(oob[unix.CmsgLen(0):], launch)
	return oob
}

func taiNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_TAI, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}

// SendTo transmits p with a launch time computed from the schedule.
func (s *TSNSender) SendTo(p []byte, dst netip.AddrPort) error {
	launch := s.cfg.Schedule.ComputeSendTime(s.cfg.Now())
	if _, _, err := s.conn.WriteMsgUDPAddrPort(p, txtimeControl(launch), dst); err != nil {
		return fmt.Errorf("txtime send to %s: %w", dst, err)
	}
	return nil
}

func (s *TSNSender) Close() error {
	return s.conn.Close()
}
