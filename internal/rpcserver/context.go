package rpcserver

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Holovkat/cli-team-bridge/internal/agentregistry"
	"github.com/Holovkat/cli-team-bridge/internal/bridgeconfig"
	"github.com/Holovkat/cli-team-bridge/internal/bus"
	"github.com/Holovkat/cli-team-bridge/internal/metrics"
	"github.com/Holovkat/cli-team-bridge/internal/permission"
	"github.com/Holovkat/cli-team-bridge/internal/taskstore"
	"github.com/Holovkat/cli-team-bridge/internal/workflow"
)

const (
	maxGlobalRunning    = 10
	maxRunningPerAgent  = 3
	maxTaskTableEntries = 100
	taskPruneGrace      = 5 * time.Minute
	taskRetention       = 1 * time.Hour

	defaultWaitTimeoutSeconds = 300
	maxWaitTimeoutSeconds     = 1800

	signalGrace = 5 * time.Second
)

// taskEntry is the in-memory record backing the task table; Task
// mirrors what's durably persisted in the taskstore, plus the live
// process id needed to signal a running task.
type taskEntry struct {
	mu   sync.Mutex
	task taskstore.Task
	pid  int
}

// ServerContext is the shared state every tool handler dispatches
// against: configuration, the durable store, the bus, the agent
// registry, the workflow engine, metrics, and the in-memory task table
// with its admission-control counters. One instance is built at
// startup and handed to every registered tool.
type ServerContext struct {
	Config      *bridgeconfig.Config
	Store       *taskstore.Store
	Bus         *bus.Bus
	Agents      *agentregistry.Registry
	Workflows   *workflow.Engine
	Metrics     *metrics.Registry
	Permissions *permission.Engine
	Log         *slog.Logger

	// Team is the operator-supplied --team id for this bridge instance,
	// applied to any task that doesn't name its own team tag.
	Team string

	tasksMu        sync.Mutex
	tasks          map[string]*taskEntry
	taskOrder      []string // oldest-first, for pruning
	runningGlobal  int
	runningByAgent map[string]int
}

// NewServerContext builds a ServerContext ready for tool dispatch.
func NewServerContext(cfg *bridgeconfig.Config, store *taskstore.Store, b *bus.Bus, agents *agentregistry.Registry, workflows *workflow.Engine, m *metrics.Registry, perm *permission.Engine, log *slog.Logger) *ServerContext {
	return &ServerContext{
		Config:         cfg,
		Store:          store,
		Bus:            b,
		Agents:         agents,
		Workflows:      workflows,
		Metrics:        m,
		Permissions:    perm,
		Log:            log,
		tasks:          make(map[string]*taskEntry),
		runningByAgent: make(map[string]int),
	}
}

// resolveProject validates a requested project path against the
// workspace root: it must resolve to the root itself or a descendant
// (no traversal out of it), and the resolved directory must exist.
func (sc *ServerContext) resolveProject(project string) (string, error) {
	if project == "" {
		return "", fmt.Errorf("project is required")
	}
	root := sc.Config.WorkspaceRoot
	resolved := project
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("project %q resolves outside the workspace root", project)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("project directory %q does not exist: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path %q is not a directory", resolved)
	}
	return resolved, nil
}

// resolveAgent picks the effective agent config for a requested agent
// name, falling back to fallback_agent if the requested one is
// unavailable, and rejects if neither is available.
func (sc *ServerContext) resolveAgent(name string) (string, bridgeconfig.AgentConfig, error) {
	cfg, ok := sc.Config.Agents[name]
	if ok && sc.agentAvailable(name, cfg) {
		return name, cfg, nil
	}
	if ok && cfg.FallbackAgent != "" {
		if fb, fbOK := sc.Config.Agents[cfg.FallbackAgent]; fbOK && sc.agentAvailable(cfg.FallbackAgent, fb) {
			sc.Log.Warn("agent unavailable, using fallback", "requested", name, "fallback", cfg.FallbackAgent)
			return cfg.FallbackAgent, fb, nil
		}
	}
	return "", bridgeconfig.AgentConfig{}, fmt.Errorf("agent %q is not configured or not available, and no usable fallback exists", name)
}

// agentAvailable implements the list_agents availability check: for
// "acp"-type agents, probe the launcher binary on PATH; for any other
// type, require at least one model whose configured API-key
// environment variable is actually set.
func (sc *ServerContext) agentAvailable(name string, cfg bridgeconfig.AgentConfig) bool {
	_ = name
	if cfg.Type == "" || cfg.Type == "acp" {
		_, err := exec.LookPath(cfg.Command)
		return err == nil
	}
	for _, m := range cfg.Models {
		if m.KeyEnv == "" {
			continue
		}
		if v, ok := os.LookupEnv(m.KeyEnv); ok && v != "" {
			return true
		}
	}
	return false
}

// resolveModel validates a requested model name against the keys of the
// effective agent's configured model map, falling back to the agent's
// default on no match.
func resolveModel(requested string, models map[string]bridgeconfig.ModelConfig, defaultModel string) string {
	if requested == "" {
		return defaultModel
	}
	if _, ok := models[requested]; ok {
		return requested
	}
	return defaultModel
}

// admit enforces global and per-agent in-flight limits, reserving a
// slot on success. Call release when the task finalizes.
func (sc *ServerContext) admit(agent string) bool {
	sc.tasksMu.Lock()
	defer sc.tasksMu.Unlock()
	if sc.runningGlobal >= maxGlobalRunning {
		return false
	}
	if sc.runningByAgent[agent] >= maxRunningPerAgent {
		return false
	}
	sc.runningGlobal++
	sc.runningByAgent[agent]++
	return true
}

func (sc *ServerContext) release(agent string) {
	sc.tasksMu.Lock()
	defer sc.tasksMu.Unlock()
	if sc.runningGlobal > 0 {
		sc.runningGlobal--
	}
	if sc.runningByAgent[agent] > 0 {
		sc.runningByAgent[agent]--
	}
}

// putTask registers a new in-memory task entry and prunes the table if
// it's grown past capacity.
func (sc *ServerContext) putTask(t taskstore.Task, pid int) *taskEntry {
	sc.tasksMu.Lock()
	defer sc.tasksMu.Unlock()
	entry := &taskEntry{task: t, pid: pid}
	sc.tasks[t.ID] = entry
	sc.taskOrder = append(sc.taskOrder, t.ID)
	sc.pruneLocked()
	return entry
}

func (sc *ServerContext) getTask(id string) (*taskEntry, bool) {
	sc.tasksMu.Lock()
	defer sc.tasksMu.Unlock()
	e, ok := sc.tasks[id]
	return e, ok
}

// pruneLocked drops terminal tasks once the table exceeds its cap,
// keeping anything running and anything completed within the grace
// period or the retention window. Called with tasksMu held.
func (sc *ServerContext) pruneLocked() {
	if len(sc.tasks) <= maxTaskTableEntries {
		return
	}
	now := time.Now()
	kept := sc.taskOrder[:0:0]
	for _, id := range sc.taskOrder {
		entry, ok := sc.tasks[id]
		if !ok {
			continue
		}
		entry.mu.Lock()
		state := entry.task.State
		completedAt := entry.task.CompletedAt
		entry.mu.Unlock()

		if state == taskstore.StateRunning || completedAt == nil {
			kept = append(kept, id)
			continue
		}
		age := now.Sub(*completedAt)
		if age > taskPruneGrace && age > taskRetention {
			delete(sc.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	sc.taskOrder = kept
}
