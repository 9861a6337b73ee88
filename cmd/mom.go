package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MMw-Unibo/tempos4nfv/logger"
	"github.com/MMw-Unibo/tempos4nfv/mom"
	"github.com/MMw-Unibo/tempos4nfv/node"
)

var momCmd = &cobra.Command{
	Use:   "mom",
	Short: "Run the best-effort and strict brokers",
	Long: `Run a MOM process with a best-effort and a strict broker.

Addresses can also be set with BQADDR and SQADDR (or TEMPOS_BQADDR and
TEMPOS_SQADDR).

Examples:
  # Default addresses
  tempos mom

  # Strict broker on all interfaces, forwards paced with TxTime on eth1
  tempos mom --sqaddr=0.0.0.0:7001 --tsn-iface=eth1`,
	RunE: runMOM,
}

func init() {
	rootCmd.AddCommand(momCmd)
	addMOMFlags(momCmd)
}

func addMOMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("bqaddr", node.DefaultBestEffortAddr, "Best-effort broker address")
	f.String("sqaddr", node.DefaultStrictAddr, "Strict broker address")
	f.String("admin", node.DefaultAdminAddr, "Admin gRPC address (empty disables it)")
	f.String("metrics", "", "Prometheus metrics address (empty disables it)")
	f.Duration("read-timeout", mom.DefaultReadTimeout, "Socket read deadline between shutdown checks")
	addTSNFlags(cmd)
}

func runMOM(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	if err := initLogger(v); err != nil {
		return err
	}
	cfg, err := momConfigFrom(v)
	if err != nil {
		return err
	}

	m, err := node.NewMOM(cfg)
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := m.Serve(ctx)
	logger.Info("Shutting down...")
	if err := m.Stop(); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
	return serveErr
}
