// Package cmd implements the bridged command line: flag parsing and
// startup wiring for the bridge daemon, grounded on the teacher's
// cmd/af/cmd/root.go persistent-flag layering style.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bridged",
	Short: "cli-team-bridge daemon - orchestrates CLI coding agents as a team",
	Long: `bridged is the daemon half of cli-team-bridge. It loads a team's
agent configuration, opens the durable task store, message bus, and
agent registry, and serves the Orchestrator Protocol over stdio so an
external orchestrator can assign work, pass messages, and inspect
status across a team of spawned CLI coding agents.`,
	RunE:         runBridge,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("team", "", "team id for tasks assigned through this bridge instance (required)")
	rootCmd.PersistentFlags().StringP("config", "c", "./bridge.config.json", "config file path (YAML)")
	rootCmd.PersistentFlags().String("mode", "mcp", "operating mode: watcher, mcp, or both")
}

// Fatal prints an error and exits 1, matching cmd/af/cmd's helper.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}
