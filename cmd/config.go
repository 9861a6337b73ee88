package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MMw-Unibo/tempos4nfv/invoker"
	"github.com/MMw-Unibo/tempos4nfv/logger"
	"github.com/MMw-Unibo/tempos4nfv/node"
)

const envPrefix = "TEMPOS"

// legacyEnv maps, per command, config keys to the unprefixed environment
// variables the deployment scripts export.
var legacyEnv = map[string]map[string]string{
	"mom":         {"bqaddr": "BQADDR", "sqaddr": "SQADDR"},
	"interactive": {"bqaddr": "BQADDR", "sqaddr": "SQADDR"},
	"invoker":     {"addr": "INVKADDR"},
}

// newViper layers flags, TEMPOS_* variables, the legacy variables and an
// optional config file for cmd.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	for key, env := range legacyEnv[cmd.Name()] {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(key), env); err != nil {
			return nil, err
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// initLogger sets up the process logger for a long-running command.
func initLogger(v *viper.Viper) error {
	logger.Init("", true)
	return logger.SetLevel(v.GetString("log-level"))
}

// addTSNFlags registers the TxTime flags shared by mom and invoker.
func addTSNFlags(cmd *cobra.Command) {
	d := node.DefaultTSNConfig()
	f := cmd.Flags()
	f.String("tsn-iface", "", "Network interface for TxTime transmission (empty disables TSN)")
	f.Int("tsn-priority", d.Priority, "SO_PRIORITY of the TSN socket")
	f.Duration("tsn-period", d.Period, "Schedule period")
	f.Duration("tsn-reservation", d.Reservation, "Real-time slot offset within the period")
	f.Bool("tsn-static", false, "Align every packet to the real-time slot")
	f.Bool("tsn-no-rt-slot", false, "Send immediately; the schedule has no reserved slot")
}

func tsnConfigFrom(v *viper.Viper) node.TSNConfig {
	return node.TSNConfig{
		Interface:    v.GetString("tsn-iface"),
		Priority:     v.GetInt("tsn-priority"),
		Period:       v.GetDuration("tsn-period"),
		Reservation:  v.GetDuration("tsn-reservation"),
		StaticTiming: v.GetBool("tsn-static"),
		NoRTSlot:     v.GetBool("tsn-no-rt-slot"),
	}
}

func momConfigFrom(v *viper.Viper) (*node.MOMConfig, error) {
	cfg := node.DefaultMOMConfig()
	cfg.BestEffortAddr = v.GetString("bqaddr")
	cfg.StrictAddr = v.GetString("sqaddr")
	cfg.AdminAddr = v.GetString("admin")
	cfg.MetricsAddr = v.GetString("metrics")
	cfg.ReadTimeout = v.GetDuration("read-timeout")
	cfg.TSN = tsnConfigFrom(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invokerConfigFrom(v *viper.Viper) (*node.InvokerConfig, error) {
	cfg := node.DefaultInvokerConfig(v.GetUint32("node"))
	cfg.Addr = v.GetString("addr")
	cfg.Broker = v.GetString("saddr")
	cfg.Topics = splitList(v.GetStringSlice("topics"))
	cfg.ModulePath = v.GetString("module")
	cfg.CacheDir = v.GetString("cache-dir")
	cfg.ChainFile = v.GetString("chain")
	cfg.Trace = v.GetBool("trace")
	cfg.AdaptiveThreshold = v.GetDuration("adaptive-threshold")
	cfg.IdleTimeout = v.GetDuration("idle-timeout")
	cfg.PollInterval = v.GetDuration("poll")
	cfg.MonitorInterval = v.GetDuration("monitor-interval")
	cfg.NATSURL = v.GetString("nats-url")
	cfg.NATSSubject = v.GetString("nats-subject")
	cfg.MetricsAddr = v.GetString("metrics")
	cfg.TSN = tsnConfigFrom(v)
	cfg.Output = os.Stdout

	mode, err := invoker.ParseMode(v.GetString("mode"))
	if err != nil {
		return nil, err
	}
	// --warm is shorthand for --mode=warm.
	if v.GetBool("warm") {
		mode = invoker.ModeWarm
	}
	cfg.Mode = mode

	if len(cfg.Topics) == 0 {
		cfg.Topics = invoker.DefaultChainMap().Topics()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList flattens comma separated entries, which is how list values
// arrive from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
