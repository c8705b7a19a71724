package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Holovkat/cli-team-bridge/internal/taskstore"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List currently running tasks",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store, err := taskstore.Open(cfg.TaskStorePath(), discardLogger())
		if err != nil {
			Fatal("opening task store: %v", err)
		}
		defer store.Close()

		running, err := store.ListRunning()
		if err != nil {
			Fatal("listing running tasks: %v", err)
		}
		if len(running) == 0 {
			fmt.Println("no tasks running")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tMODEL\tPROJECT\tSTARTED\tTEAM")
		for _, t := range running {
			team := t.Team
			if team == "" {
				team = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(t.ID), t.Agent, t.Model, t.Project, t.StartedAt.Format("15:04:05"), team)
		}
		w.Flush()
	},
}

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Show one task's full record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store, err := taskstore.Open(cfg.TaskStorePath(), discardLogger())
		if err != nil {
			Fatal("opening task store: %v", err)
		}
		defer store.Close()

		t, err := store.Get(args[0])
		if err != nil {
			Fatal("task %s: %v", args[0], err)
		}

		fmt.Printf("id:        %s\n", t.ID)
		fmt.Printf("agent:     %s\n", t.Agent)
		fmt.Printf("model:     %s\n", t.Model)
		fmt.Printf("project:   %s\n", t.Project)
		fmt.Printf("state:     %s\n", t.State)
		fmt.Printf("started:   %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
		if t.CompletedAt != nil {
			fmt.Printf("completed: %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
		}
		if t.Error != "" {
			fmt.Printf("error:     %s\n", t.Error)
		}
		fmt.Printf("output:\n%s\n", t.Output)
	},
}

// shortID shows just enough of a task id for a table column.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(taskCmd)
}
