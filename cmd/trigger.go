package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MMw-Unibo/tempos4nfv/logger"
	"github.com/MMw-Unibo/tempos4nfv/node"
	"github.com/MMw-Unibo/tempos4nfv/trigger"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Send INVOKE messages to a broker",
	Long: `Send a stream of INVOKE messages for one topic and print
"id,interval,ts_send" for every message.

With --messages=N the trigger sends N+1 messages --millis apart. With
--messages=0 it starts 50ms apart and shortens the gap by 1ms every
--millis milliseconds until it reaches 9ms.

Examples:
  tempos trigger -t vpn -s 127.0.0.1:7001 -m 10 -M 1000 -f payload.bin
  tempos trigger -t vpn -s 127.0.0.1:7001 -m 500`,
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)

	f := triggerCmd.Flags()
	f.StringP("topic", "t", "", "Topic of the first chain step")
	f.StringP("addr", "a", "", "Local address to send from (empty picks a port)")
	f.StringP("saddr", "s", node.DefaultStrictAddr, "Broker address")
	f.Uint64P("millis", "m", 10, "Interval in fixed mode, ramp step in ramp mode (ms)")
	f.Uint64P("messages", "M", 0, "Messages to send after the first (0 ramps the interval down)")
	f.StringP("file", "f", "", "Payload file (empty sends no payload)")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	// The CSV report owns stdout.
	logger.Init("", false)
	if err := logger.AddOutput(os.Stderr); err != nil {
		return err
	}
	if err := logger.SetLevel(v.GetString("log-level")); err != nil {
		return err
	}

	broker, err := netip.ParseAddrPort(v.GetString("saddr"))
	if err != nil {
		return fmt.Errorf("invalid broker address: %w", err)
	}
	var payload []byte
	if path := v.GetString("file"); path != "" {
		if payload, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
	}
	millis := time.Duration(v.GetUint64("millis")) * time.Millisecond

	t, err := trigger.New(trigger.Config{
		Broker:    broker,
		Addr:      v.GetString("addr"),
		Topic:     v.GetString("topic"),
		Payload:   payload,
		Messages:  v.GetUint64("messages"),
		Interval:  millis,
		StepEvery: millis,
	}, os.Stdout, logger.Named("trigger"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sent, err := t.Run(ctx)
	logger.Infof("trigger %s sent %d messages", t.RunID(), sent)
	return err
}
