package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MMw-Unibo/tempos4nfv/invoker"
	"github.com/MMw-Unibo/tempos4nfv/logger"
	"github.com/MMw-Unibo/tempos4nfv/node"
)

var invokerCmd = &cobra.Command{
	Use:   "invoker",
	Short: "Run an invoker node",
	Long: `Run an invoker that registers its topics with a broker and executes
one chain step per INVOKE message.

The invoker address can also be set with INVKADDR (or TEMPOS_ADDR).
Measurement lines are written to stdout as CSV.

Examples:
  # Serve every topic of the built-in chain
  tempos invoker --node=1 --saddr=127.0.0.1:7001

  # Serve two topics with the module kept loaded between requests
  tempos invoker -n 2 -t vpn,enc -w --trace`,
	RunE: runInvoker,
}

func init() {
	rootCmd.AddCommand(invokerCmd)
	addInvokerFlags(invokerCmd)
}

func addInvokerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint32P("node", "n", 0, "Node id")
	f.StringSliceP("topics", "t", nil, "Topics to serve (default: every topic of the chain)")
	f.String("addr", node.DefaultInvokerAddr, "Invoker address")
	f.StringP("saddr", "s", node.DefaultStrictAddr, "Broker address")
	f.BoolP("warm", "w", false, "Shorthand for --mode=warm")
	f.String("mode", string(invoker.ModeCold), "Lifecycle mode: cold, warm or adaptive")
	f.Duration("adaptive-threshold", invoker.DefaultAdaptiveThreshold, "Extra gap over the mean that triggers a reload in adaptive mode")
	f.Duration("idle-timeout", 0, "Unload the module after this long without requests in warm mode")
	f.String("module", invoker.DefaultModulePath, "WebAssembly module path")
	f.String("cache-dir", "", "Compilation cache directory (empty keeps it in memory)")
	f.String("chain", "", "Chain map YAML file (empty uses the built-in chain)")
	f.Bool("trace", false, "Record start and end of every forwarded step")
	f.Duration("poll", invoker.DefaultPollInterval, "Socket read deadline between idle checks")
	f.Duration("monitor-interval", invoker.DefaultMonitorInterval, "Interval between CPU load reports (0 disables them)")
	f.String("nats-url", "", "Also publish measurements to this NATS server")
	f.String("nats-subject", invoker.DefaultMeasurementSubject, "NATS subject for measurements")
	f.String("metrics", "", "Prometheus metrics address (empty disables it)")
	addTSNFlags(cmd)
}

func runInvoker(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	// Measurements own stdout; logs go to stderr.
	logger.Init("", false)
	if err := logger.AddOutput(os.Stderr); err != nil {
		return err
	}
	if err := logger.SetLevel(v.GetString("log-level")); err != nil {
		return err
	}
	cfg, err := invokerConfigFrom(v)
	if err != nil {
		return err
	}

	n, err := node.NewInvoker(cfg)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := n.Serve(ctx)
	logger.Info("Shutting down...")
	if err := n.Stop(); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
	return serveErr
}
