package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MMw-Unibo/tempos4nfv/mom"
	"github.com/MMw-Unibo/tempos4nfv/node"
	"github.com/MMw-Unibo/tempos4nfv/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the registries of a running MOM",
	Long: `Query the admin service of a running MOM and print the registered
nodes and topic subscriptions of each broker.

Examples:
  tempos status
  tempos status --admin=10.0.0.1:7070 --class=strict`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	f := statusCmd.Flags()
	f.String("admin", node.DefaultAdminAddr, "Admin gRPC address of the MOM")
	f.String("class", "", "Only show this broker class (best-effort or strict)")
	f.Duration("timeout", 3*time.Second, "Request timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}

	client, err := transport.DialAdmin(v.GetString("admin"))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	defer cancel()

	snaps, err := client.Snapshot(ctx, mom.Class(v.GetString("class")))
	if err != nil {
		return err
	}
	printSnapshots(cmd.OutOrStdout(), snaps)
	return nil
}

func printSnapshots(w io.Writer, snaps []*mom.Snapshot) {
	for i, s := range snaps {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s broker: %d nodes, %d topics\n", s.Class, len(s.Nodes), len(s.Topics))
		for _, n := range s.Nodes {
			fmt.Fprintf(w, "  node %-6d %-22s load %3d%%\n", n.ID, n.Endpoint, n.Load)
		}
		for _, t := range s.Topics {
			ids := make([]string, len(t.Nodes))
			for j, id := range t.Nodes {
				ids[j] = fmt.Sprint(id)
			}
			fmt.Fprintf(w, "  topic %-10s [%s]\n", t.Name, strings.Join(ids, " "))
		}
	}
}
