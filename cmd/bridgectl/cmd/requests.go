package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Holovkat/cli-team-bridge/internal/bus"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List open bus requests, including pending permission asks",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		b, err := bus.Open(cfg.BridgeRoot(), discardLogger())
		if err != nil {
			Fatal("opening message bus: %v", err)
		}

		open, err := b.ListOpenRequests()
		if err != nil {
			Fatal("listing open requests: %v", err)
		}
		if len(open) == 0 {
			fmt.Println("no open requests")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFROM\tCLAIMED BY\tDESCRIPTION\tCREATED")
		for _, r := range open {
			claimedBy := r.ClaimedBy
			if claimedBy == "" {
				claimedBy = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				shortID(r.ID), r.RequestingAgent, claimedBy, r.Description, r.CreatedAt.Format("15:04:05"))
		}
		w.Flush()
	},
}

var resolveRequestCmd = &cobra.Command{
	Use:   "resolve-request <id> <operator> <allow|deny>",
	Short: "Claim an open request and record an operator's allow/deny decision",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		id, operator, decision := args[0], args[1], args[2]
		if decision != "allow" && decision != "deny" {
			Fatal("decision must be allow or deny, got %q", decision)
		}

		cfg := loadConfig(cmd)
		b, err := bus.Open(cfg.BridgeRoot(), discardLogger())
		if err != nil {
			Fatal("opening message bus: %v", err)
		}

		if _, err := b.ClaimRequest(id, operator); err != nil {
			Fatal("claiming request %s: %v", id, err)
		}
		if _, err := b.CompleteRequest(id, decision); err != nil {
			Fatal("completing request %s: %v", id, err)
		}
		fmt.Printf("request %s resolved: %s\n", id, decision)
	},
}

func init() {
	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(resolveRequestCmd)
}
