package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Holovkat/cli-team-bridge/internal/agentregistry"
	"github.com/Holovkat/cli-team-bridge/internal/bridgeconfig"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agent registry",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		reg, err := agentregistry.Open(filepath.Join(cfg.BridgeRoot(), "agents.json"))
		if err != nil {
			Fatal("opening agent registry: %v", err)
		}

		reg.DetectDead()
		all := reg.GetAll()
		if len(all) == 0 {
			fmt.Println("no agents registered")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tMODEL\tPID\tTASK\tLAST HEARTBEAT")
		for _, a := range all {
			task := a.CurrentTask
			if task == "" {
				task = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				a.Name, a.Status, a.Model, a.PID, task, a.LastHeartbeat.Format("15:04:05"))
		}
		w.Flush()
	},
}

func loadConfig(cmd *cobra.Command) *bridgeconfig.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := bridgeconfig.Load(path)
	if err != nil {
		Fatal("loading config %s: %v", path, err)
	}
	return cfg
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}
