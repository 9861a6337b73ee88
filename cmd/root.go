package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tempos",
	Short: "Time-predictable function chains over a UDP message broker",
	Long: `TEMPOS runs chains of WebAssembly functions across invoker nodes.
A MOM process hosts a best-effort and a strict broker that route INVOKE
messages by topic; invokers execute one function per step and forward the
result to the next topic. The strict broker can pace its forwards with
TxTime on a TSN interface.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
}
