//go:build !linux

package transport

import (
	"net/netip"

	"go.uber.org/zap"
)

// TSNSender is unavailable on this platform.
type TSNSender struct{}

func NewTSNSender(cfg TSNConfig, _ *zap.Logger) (*TSNSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return nil, ErrTSNUnsupported
}

func (s *TSNSender) SendTo([]byte, netip.AddrPort) error { return ErrTSNUnsupported }

func (s *TSNSender) Close() error { return nil }
