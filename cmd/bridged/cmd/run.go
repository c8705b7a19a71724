package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Holovkat/cli-team-bridge/internal/agentregistry"
	"github.com/Holovkat/cli-team-bridge/internal/bridgeconfig"
	"github.com/Holovkat/cli-team-bridge/internal/bus"
	"github.com/Holovkat/cli-team-bridge/internal/filelock"
	"github.com/Holovkat/cli-team-bridge/internal/logging"
	"github.com/Holovkat/cli-team-bridge/internal/metrics"
	"github.com/Holovkat/cli-team-bridge/internal/permission"
	"github.com/Holovkat/cli-team-bridge/internal/rpcserver"
	"github.com/Holovkat/cli-team-bridge/internal/taskstore"
	"github.com/Holovkat/cli-team-bridge/internal/workflow"
)

const shutdownGrace = 5 * time.Second

// allowAllTool matches every tool name, used to build the permit-all
// rule when permissions.auto_approve is set.
var allowAllTool = regexp.MustCompile(`.*`)

func runBridge(cmd *cobra.Command, args []string) error {
	team, _ := cmd.Flags().GetString("team")
	configPath, _ := cmd.Flags().GetString("config")
	mode, _ := cmd.Flags().GetString("mode")

	if team == "" {
		Fatal("--team is required")
	}
	switch mode {
	case "watcher", "mcp", "both":
	default:
		Fatal("--mode must be one of watcher, mcp, both (got %q)", mode)
	}

	cfg, err := bridgeconfig.Load(configPath)
	if err != nil {
		Fatal("loading config: %v", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		Fatal("building logger: %v", err)
	}

	if mode == "watcher" {
		log.Warn("mode=watcher has no poller in this build; running mcp instead", "mode", mode)
	}
	log.Info("starting bridge", "team", team, "mode", mode, "workspace_root", cfg.WorkspaceRoot, "config", configPath)

	bridgeRoot := cfg.BridgeRoot()
	if err := os.MkdirAll(bridgeRoot, 0o700); err != nil {
		Fatal("creating bridge root %s: %v", bridgeRoot, err)
	}

	daemonLock, err := filelock.Acquire(filepath.Join(bridgeRoot, "daemon.lock"))
	if err != nil {
		Fatal("another bridged instance already holds %s: %v", bridgeRoot, err)
	}
	defer daemonLock.Release()

	store, err := taskstore.Open(cfg.TaskStorePath(), log)
	if err != nil {
		Fatal("opening task store: %v", err)
	}
	defer store.Close()

	b, err := bus.Open(bridgeRoot, log)
	if err != nil {
		Fatal("opening message bus: %v", err)
	}

	agents, err := agentregistry.Open(filepath.Join(bridgeRoot, "agents.json"))
	if err != nil {
		Fatal("opening agent registry: %v", err)
	}

	perm := buildPermissionEngine(cfg)
	wf := workflow.New()
	m := metrics.NewRegistry()

	sc := rpcserver.NewServerContext(cfg, store, b, agents, wf, m, perm, log)
	sc.Team = team

	registry := rpcserver.BuildRegistry(sc)
	srv := rpcserver.NewServer(registry, log)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Run(ctx) }()

	for {
		select {
		case err := <-serveDone:
			if err != nil {
				log.Error("rpc server stopped with an error", "error", err)
				return err
			}
			log.Info("rpc server exited cleanly")
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				reloadConfig(configPath, cfg, agents, log)
			default:
				log.Info("received shutdown signal", "signal", sig.String())
				shutdown(b, agents, log)
				cancel()
				<-serveDone
				return nil
			}
		}
	}
}

// buildPermissionEngine wires the Permission Policy Engine's startup
// rule set: if the config enables auto_approve, a permit-all rule is
// prepended ahead of the built-in rules; otherwise the engine runs with
// only its built-ins.
func buildPermissionEngine(cfg *bridgeconfig.Config) *permission.Engine {
	var custom []permission.Rule
	if cfg.Permissions.AutoApprove {
		custom = append(custom, permission.Rule{
			Name:       "auto-approve",
			ToolNameRe: allowAllTool,
			Action:     permission.Allow,
			LogMessage: "auto-approved by configuration",
		})
	}
	return permission.New(custom, nil)
}

// shutdown implements the orchestrator shutdown sequence: broadcast a
// shutdown message to every inbox, SIGTERM every registered agent PID,
// wait the grace period, SIGKILL survivors, then clear bus and registry
// state.
func shutdown(b *bus.Bus, agents *agentregistry.Registry, log *slog.Logger) {
	if _, err := b.WriteMessage("bridged", bus.AllRecipient, "bridge shutting down", bus.WriteOptions{Type: bus.TypeShutdown}); err != nil {
		log.Warn("shutdown broadcast failed", "error", err)
	}

	all := agents.GetAll()
	for _, a := range all {
		if a.PID <= 0 {
			continue
		}
		if err := syscall.Kill(a.PID, syscall.SIGTERM); err != nil {
			continue
		}
	}
	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		alive := false
		for _, a := range all {
			if a.PID > 0 && syscall.Kill(a.PID, 0) == nil {
				alive = true
				break
			}
		}
		if !alive {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, a := range all {
		if a.PID > 0 && syscall.Kill(a.PID, 0) == nil {
			_ = syscall.Kill(a.PID, syscall.SIGKILL)
		}
	}

	if err := b.CleanupAll(); err != nil {
		log.Warn("bus cleanup failed", "error", err)
	}
	if err := agents.Clear(); err != nil {
		log.Warn("registry clear failed", "error", err)
	}
}

// reloadConfig implements SIGHUP handling: the on-disk config is
// reloaded wholesale (deep replace, no field-by-field merge) and the
// agent registry's manifest is regenerated so any agent removed from
// the reloaded config no longer appears as configured. The running
// *bridgeconfig.Config pointed to by cfg is replaced in place so every
// component holding it (they were all handed the same pointer) observes
// the new values on their next read.
func reloadConfig(path string, cfg *bridgeconfig.Config, agents *agentregistry.Registry, log *slog.Logger) {
	next, err := bridgeconfig.Load(path)
	if err != nil {
		log.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}
	*cfg = *next
	log.Info("configuration reloaded", "agents", len(cfg.Agents))

	for _, info := range agents.GetAll() {
		if _, stillConfigured := cfg.Agents[info.Name]; !stillConfigured {
			log.Info("agent removed from reloaded config, deregistering", "agent", info.Name)
			if err := agents.Deregister(info.Name); err != nil {
				log.Warn("deregistering stale agent failed", "agent", info.Name, "error", err)
			}
		}
	}
}
