// Package cmd implements bridgectl: a thin operational CLI that reads a
// running (or stopped) bridge's persisted state directly, rather than
// talking to it over the Orchestrator Protocol — grounded in the
// teacher's two-binary split (cmd/aetherd daemon / cmd/af CLI), here
// between cmd/bridged and cmd/bridgectl.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Inspect a cli-team-bridge instance's persisted state",
	Long: `bridgectl reads a bridge instance's on-disk state directly: the
agent registry, the durable task store and the message bus's open
requests (resolve-request also writes an operator decision to the bus).
It does not talk to a running bridged process.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "./bridge.config.json", "config file path (YAML)")
}

// Fatal prints an error and exits 1.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}
