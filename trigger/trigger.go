// Package trigger injects INVOKE messages into a broker for load tests.
//
// In fixed mode it sends Messages+1 invocations Interval apart. In ramp mode
// (Messages == 0) it starts StartInterval apart and shortens the gap by one
// millisecond every StepEvery until it reaches MinInterval. Each send is
// reported as a CSV line "id,interval,ts_send" (interval in ms, ts_send in ns).
package trigger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MMw-Unibo/tempos4nfv/wire"
)

const (
	DefaultStartInterval = 50 * time.Millisecond
	DefaultMinInterval   = 9 * time.Millisecond
	rampStep             = time.Millisecond
)

// Config configures a trigger run.
type Config struct {
	Broker netip.AddrPort
	// Addr is the local bind address; empty picks an ephemeral port.
	Addr    string
	Topic   string
	Payload []byte

	// Messages > 0 selects fixed mode.
	Messages uint64
	// Interval between sends in fixed mode.
	Interval time.Duration

	// Ramp mode.
	StartInterval time.Duration
	MinInterval   time.Duration
	StepEvery     time.Duration
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if !c.Broker.IsValid() {
		return errors.New("broker address is required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.Messages > 0 && c.Interval < 0 {
		return errors.New("interval must not be negative")
	}
	if c.Messages == 0 && (c.StartInterval <= 0 || c.MinInterval <= 0 || c.StepEvery < 0) {
		return errors.New("ramp intervals must be positive")
	}
	return nil
}

// Trigger sends invocations from one socket.
type Trigger struct {
	cfg   Config
	out   io.Writer
	log   *zap.Logger
	runID uuid.UUID
}

// New creates a trigger writing its CSV report to out.
func New(cfg Config, out io.Writer, log *zap.Logger) (*Trigger, error) {
	if cfg.Messages == 0 {
		if cfg.StartInterval == 0 {
			cfg.StartInterval = DefaultStartInterval
		}
		if cfg.MinInterval == 0 {
			cfg.MinInterval = DefaultMinInterval
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Trigger{cfg: cfg, out: out, log: log, runID: uuid.New()}, nil
}

// RunID identifies the run in logs.
func (t *Trigger) RunID() uuid.UUID { return t.runID }

// Run sends until the schedule completes or ctx is done. It returns the
// number of invocations sent.
func (t *Trigger) Run(ctx context.Context) (uint32, error) {
	var laddr *net.UDPAddr
	if t.cfg.Addr != "" {
		a, err := net.ResolveUDPAddr("udp", t.cfg.Addr)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve %s: %w", t.cfg.Addr, err)
		}
		laddr = a
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return 0, fmt.Errorf("failed to open socket: %w", err)
	}
	defer conn.Close()

	t.log.Info("trigger started",
		zap.Stringer("run_id", t.runID),
		zap.String("topic", t.cfg.Topic),
		zap.Stringer("broker", t.cfg.Broker),
		zap.Int("payload_len", len(t.cfg.Payload)),
		zap.Uint64("messages", t.cfg.Messages))

	if _, err := io.WriteString(t.out, "id,interval,ts_send\n"); err != nil {
		return 0, err
	}

	interval := t.cfg.Interval
	if t.cfg.Messages == 0 {
		interval = t.cfg.StartInterval
	}
	stepStart := time.Now()

	var count uint32
	for {
		b, err := wire.Encode(wire.Invoke{Seq: count, Topic: t.cfg.Topic, Data: t.cfg.Payload})
		if err != nil {
			return count, err
		}
		sentAt := time.Now()
		if _, err := conn.WriteToUDPAddrPort(b, t.cfg.Broker); err != nil {
			return count, fmt.Errorf("send %d: %w", count, err)
		}
		fmt.Fprintf(t.out, "%d,%s,%d\n", count, strconv.FormatInt(interval.Milliseconds(), 10), sentAt.UnixNano())

		if t.cfg.Messages > 0 {
			if uint64(count) >= t.cfg.Messages {
				return count + 1, nil
			}
		} else if time.Since(stepStart) >= t.cfg.StepEvery {
			if interval <= t.cfg.MinInterval {
				t.log.Debug("minimum interval reached", zap.Duration("interval", interval))
				return count + 1, nil
			}
			interval -= rampStep
			stepStart = time.Now()
			t.log.Debug("interval shortened", zap.Duration("interval", interval))
		}

		if err := sleep(ctx, interval); err != nil {
			return count + 1, nil
		}
		count++
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
