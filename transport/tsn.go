package transport

import (
	"errors"
	"fmt"

	"github.com/MMw-Unibo/tempos4nfv/txtime"
)

// DefaultPriority is the SO_PRIORITY used for time-sensitive traffic.
const DefaultPriority = 3

// ErrTSNUnsupported is returned by NewTSNSender on platforms without SO_TXTIME.
var ErrTSNUnsupported = errors.New("txtime sockets are only supported on linux")

// TSNConfig configures a TxTime sender.
type TSNConfig struct {
	// Interface the socket is bound to (SO_BINDTODEVICE).
	Interface string
	// Priority maps the traffic to a queue of the configured qdisc.
	Priority int
	// Schedule computes each packet's launch time.
	Schedule txtime.Schedule
	// Now returns the current CLOCK_TAI time in nanoseconds. Nil uses the
	// system clock.
	Now func() uint64
}

// Validate checks if the config is valid
func (c *TSNConfig) Validate() error {
	if c.Interface == "" {
		return errors.New("tsn interface is required")
	}
	if c.Priority < 0 || c.Priority > 15 {
		return fmt.Errorf("tsn priority %d out of range 0-15", c.Priority)
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	return nil
}
