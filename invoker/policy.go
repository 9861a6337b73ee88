package invoker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mode selects when the guest module is (re)loaded.
type Mode string

const (
	// ModeCold reloads the module before every call.
	ModeCold Mode = "cold"
	// ModeWarm loads once and unloads when the node goes idle.
	ModeWarm Mode = "warm"
	// ModeAdaptive reloads only when the gap since the previous request
	// exceeds the mean exec latency plus a threshold.
	ModeAdaptive Mode = "adaptive"
)

// DefaultAdaptiveThreshold is added to the mean exec latency in adaptive mode.
const DefaultAdaptiveThreshold = 500 * time.Microsecond

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeCold, ModeWarm, ModeAdaptive:
		return m, nil
	}
	return "", fmt.Errorf("unknown invoker mode %q (want cold, warm or adaptive)", s)
}

// Lifecycle applies a Mode to a Module. It records the time of the last
// request and the running mean of exec latency.
type Lifecycle struct {
	module      *Module
	path        string
	mode        Mode
	threshold   time.Duration
	idleTimeout time.Duration
	log         *zap.Logger
	now         func() time.Time

	lastRequest time.Time
	avg         time.Duration
	samples     int64
	loads       int64
}

// LifecycleConfig configures a Lifecycle.
type LifecycleConfig struct {
	Path string
	Mode Mode
	// Threshold is the adaptive reload margin. Zero uses the default.
	Threshold time.Duration
	// IdleTimeout is how long a warm module survives without requests. Zero
	// unloads at the first idle poll.
	IdleTimeout time.Duration
}

// NewLifecycle wraps module with the policy in cfg.
func NewLifecycle(module *Module, cfg LifecycleConfig, log *zap.Logger) *Lifecycle {
	if cfg.Path == "" {
		cfg.Path = DefaultModulePath
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCold
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultAdaptiveThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{
		module:      module,
		path:        cfg.Path,
		mode:        cfg.Mode,
		threshold:   cfg.Threshold,
		idleTimeout: cfg.IdleTimeout,
		log:         log,
		now:         time.Now,
	}
}

// Mode returns the active policy.
func (l *Lifecycle) Mode() Mode { return l.mode }

// AverageLatency returns the running mean exec latency.
func (l *Lifecycle) AverageLatency() time.Duration { return l.avg }

// Loads returns how many times the module has been loaded.
func (l *Lifecycle) Loads() int64 { return l.loads }

// Exec prepares the module according to the policy, then runs name.
func (l *Lifecycle) Exec(ctx context.Context, name string, data []byte) ([]byte, error) {
	now := l.now()
	if err := l.prepare(ctx, now); err != nil {
		return nil, err
	}
	l.lastRequest = now

	out, err := l.module.Exec(ctx, name, data)
	l.record(l.now().Sub(now))
	return out, err
}

func (l *Lifecycle) prepare(ctx context.Context, now time.Time) error {
	reload := !l.module.Loaded()
	switch l.mode {
	case ModeCold:
		reload = true
	case ModeAdaptive:
		if !l.lastRequest.IsZero() && now.Sub(l.lastRequest) > l.avg+l.threshold {
			reload = true
		}
	}
	if !reload {
		return nil
	}

	if err := l.module.Load(ctx, l.path); err != nil {
		return err
	}
	l.loads++
	return nil
}

func (l *Lifecycle) record(latency time.Duration) {
	l.samples++
	l.avg += (latency - l.avg) / time.Duration(l.samples)
}

// Idle is called by the receive loop on every read timeout. A warm module is
// unloaded once it has been idle for the idle timeout.
func (l *Lifecycle) Idle(ctx context.Context) {
	if l.mode != ModeWarm || !l.module.Loaded() {
		return
	}
	if l.now().Sub(l.lastRequest) < l.idleTimeout {
		return
	}
	l.module.Unload(ctx)
	l.log.Debug("module unloaded after idle timeout")
}
