package rpcserver

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Holovkat/cli-team-bridge/internal/acp"
	"github.com/Holovkat/cli-team-bridge/internal/agentregistry"
	"github.com/Holovkat/cli-team-bridge/internal/bus"
	"github.com/Holovkat/cli-team-bridge/internal/supervisor"
	"github.com/Holovkat/cli-team-bridge/internal/taskstore"
	"github.com/Holovkat/cli-team-bridge/internal/workflow"
)

var taskIDRe = regexp.MustCompile(`^[a-f0-9-]{8,36}$`)

// maxNameBytes bounds assign_task's agent and project fields.
const maxNameBytes = 256

// hasControlChar reports whether s contains any ASCII control character
// (0x00-0x1F or 0x7F), which assign_task rejects in its project field.
func hasControlChar(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

// BuildRegistry constructs the fixed Orchestrator Protocol tool
// catalogue bound to sc. This is the complete tool list from §6.
func BuildRegistry(sc *ServerContext) *Registry {
	reg := NewRegistry()
	reg.Register(newTool("list_agents", "List every configured agent and its availability.",
		func(ctx context.Context, args EmptyArgs) (*ToolsCallResult, error) { return sc.listAgents(ctx) }))
	reg.Register(newTool("assign_task", "Assign a prompt to an agent, optionally waiting for its result.",
		func(ctx context.Context, args AssignTaskArgs) (*ToolsCallResult, error) { return sc.assignTask(ctx, args) }))
	reg.Register(newTool("get_task_status", "Get the current status of a previously assigned task.",
		func(ctx context.Context, args TaskIDArgs) (*ToolsCallResult, error) { return sc.getTaskStatus(args) }))
	reg.Register(newTool("get_task_result", "Get the full result of a previously assigned task.",
		func(ctx context.Context, args TaskIDArgs) (*ToolsCallResult, error) { return sc.getTaskResult(args) }))
	reg.Register(newTool("cancel_task", "Cancel a running task.",
		func(ctx context.Context, args TaskIDArgs) (*ToolsCallResult, error) { return sc.cancelTask(args) }))
	reg.Register(newTool("get_metrics", "Get process-wide and per-agent operational metrics.",
		func(ctx context.Context, args EmptyArgs) (*ToolsCallResult, error) { return sc.getMetrics() }))
	reg.Register(newTool("health_check", "Report overall bridge health.",
		func(ctx context.Context, args EmptyArgs) (*ToolsCallResult, error) { return sc.healthCheck() }))
	reg.Register(newTool("broadcast", "Broadcast a message to every registered agent.",
		func(ctx context.Context, args BroadcastArgs) (*ToolsCallResult, error) { return sc.broadcast(args) }))
	reg.Register(newTool("send_agent_message", "Send a direct message to one registered agent.",
		func(ctx context.Context, args SendAgentMessageArgs) (*ToolsCallResult, error) { return sc.sendAgentMessage(args) }))
	reg.Register(newTool("get_agent_status", "Get the registry's current view of every agent.",
		func(ctx context.Context, args EmptyArgs) (*ToolsCallResult, error) { return sc.getAgentStatus() }))
	reg.Register(newTool("shutdown_agent", "Ask one agent to shut down gracefully.",
		func(ctx context.Context, args AgentNameArgs) (*ToolsCallResult, error) { return sc.shutdownAgent(args) }))
	reg.Register(newTool("kill_agent", "Forcibly terminate one agent's process.",
		func(ctx context.Context, args AgentNameArgs) (*ToolsCallResult, error) { return sc.killAgent(args) }))
	reg.Register(newTool("create_workflow", "Create and start a multi-step agent workflow.",
		func(ctx context.Context, args CreateWorkflowArgs) (*ToolsCallResult, error) { return sc.createWorkflow(ctx, args) }))
	reg.Register(newTool("get_workflow_status", "Get the current status of a workflow.",
		func(ctx context.Context, args WorkflowIDArgs) (*ToolsCallResult, error) { return sc.getWorkflowStatus(args) }))
	return reg
}

// EmptyArgs is used by tools that take no arguments.
type EmptyArgs struct{}

// AssignTaskArgs is the assign_task input.
type AssignTaskArgs struct {
	Agent          string `json:"agent" jsonschema:"required,description=Name of the configured agent to run."`
	Prompt         string `json:"prompt" jsonschema:"required,description=The prompt to send to the agent."`
	Project        string `json:"project" jsonschema:"required,description=Project directory, relative to the workspace root or absolute within it."`
	Model          string `json:"model,omitempty" jsonschema:"description=Requested model name; one of the agent's configured models."`
	Team           string `json:"team,omitempty"`
	Wait           bool   `json:"wait,omitempty" jsonschema:"description=If true, block until the task finishes or times out."`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// TaskIDArgs is shared by every tool that looks up one task by id.
type TaskIDArgs struct {
	TaskID string `json:"task_id" jsonschema:"required"`
}

// AgentNameArgs is shared by tools that target one named agent.
type AgentNameArgs struct {
	Agent string `json:"agent" jsonschema:"required"`
}

// BroadcastArgs is the broadcast input.
type BroadcastArgs struct {
	Content string `json:"content" jsonschema:"required"`
}

// SendAgentMessageArgs is the send_agent_message input.
type SendAgentMessageArgs struct {
	Agent   string `json:"agent" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
}

// WorkflowStepArgs is one step of a create_workflow request.
type WorkflowStepArgs struct {
	Name      string   `json:"name" jsonschema:"required"`
	Agent     string   `json:"agent" jsonschema:"required"`
	Prompt    string   `json:"prompt" jsonschema:"required"`
	Model     string   `json:"model,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// CreateWorkflowArgs is the create_workflow input.
type CreateWorkflowArgs struct {
	Name    string             `json:"name" jsonschema:"required"`
	Project string             `json:"project" jsonschema:"required"`
	Steps   []WorkflowStepArgs `json:"steps" jsonschema:"required"`
}

// WorkflowIDArgs is the get_workflow_status input.
type WorkflowIDArgs struct {
	WorkflowID string `json:"workflow_id" jsonschema:"required"`
}

const orchestratorSender = "orchestrator"

// --- list_agents ---

type agentListing struct {
	Available       bool     `json:"available"`
	DefaultModel    string   `json:"default_model"`
	AvailableModels []string `json:"available_models"`
	Strengths       []string `json:"strengths"`
	Type            string   `json:"type"`
}

func (sc *ServerContext) listAgents(ctx context.Context) (*ToolsCallResult, error) {
	_ = ctx
	out := make(map[string]agentListing, len(sc.Config.Agents))
	for name, cfg := range sc.Config.Agents {
		models := make([]string, 0, len(cfg.Models))
		for m := range cfg.Models {
			models = append(models, m)
		}
		out[name] = agentListing{
			Available:       sc.agentAvailable(name, cfg),
			DefaultModel:    cfg.DefaultModel,
			AvailableModels: models,
			Strengths:       cfg.Strengths,
			Type:            cfg.Type,
		}
	}
	return JSONResult(out)
}

// --- assign_task ---

type taskResponse struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Agent      string `json:"agent"`
	Model      string `json:"model"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (sc *ServerContext) assignTask(ctx context.Context, args AssignTaskArgs) (*ToolsCallResult, error) {
	if args.Agent == "" || args.Prompt == "" || args.Project == "" {
		return ErrorResult("agent, prompt, and project are all required"), nil
	}
	if len(args.Prompt) > 100*1024 {
		return ErrorResult("prompt exceeds the 100 KiB limit"), nil
	}
	if len(args.Agent) > maxNameBytes {
		return ErrorResult("agent exceeds the 256 byte limit"), nil
	}
	if len(args.Project) > maxNameBytes {
		return ErrorResult("project exceeds the 256 byte limit"), nil
	}
	if hasControlChar(args.Project) {
		return ErrorResult("project must not contain control characters"), nil
	}

	projectPath, err := sc.resolveProject(args.Project)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	effectiveName, agentCfg, err := sc.resolveAgent(args.Agent)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	if !sc.admit(effectiveName) {
		return ErrorResult("admission rejected: too many in-flight tasks"), nil
	}

	model := resolveModel(args.Model, agentCfg.Models, agentCfg.DefaultModel)

	team := args.Team
	if team == "" {
		team = sc.Team
	}

	id := uuid.NewString()
	now := time.Now()
	task := taskstore.Task{
		ID:        id,
		Agent:     effectiveName,
		Model:     model,
		Project:   projectPath,
		Prompt:    args.Prompt,
		State:     taskstore.StateRunning,
		StartedAt: now,
		Team:      team,
	}
	if err := sc.Store.Save(task); err != nil {
		sc.Metrics.Counters.RegistrySaveFailures.Add(1)
		sc.release(effectiveName)
		return ErrorResult(fmt.Sprintf("persisting task: %v", err)), nil
	}
	entry := sc.putTask(task, 0)

	if err := sc.Agents.Register(effectiveName, model, 0); err != nil {
		sc.Metrics.Counters.RegistrySaveFailures.Add(1)
		sc.Log.Warn("agent registry registration failed", "agent", effectiveName, "error", err)
	} else if err := sc.Agents.UpdateStatus(effectiveName, agentregistry.StatusRunning, id); err != nil {
		sc.Log.Warn("agent registry status update failed", "agent", effectiveName, "error", err)
	}
	heartbeatDone := sc.startHeartbeat(effectiveName)

	extraEnv := make([]string, 0, len(agentCfg.Env))
	for k := range agentCfg.Env {
		extraEnv = append(extraEnv, k)
	}
	if mc, ok := agentCfg.Models[model]; ok && mc.KeyEnv != "" {
		extraEnv = append(extraEnv, mc.KeyEnv)
	}

	done := make(chan supervisor.Result, 1)
	go func() {
		result, runErr := supervisor.Run(ctx, supervisor.Config{
			Spawn: acp.SpawnConfig{
				Command:  agentCfg.Command,
				Args:     agentCfg.Args,
				Cwd:      projectPath,
				ExtraEnv: extraEnv,
			},
			Model:       model,
			SessionCwd:  projectPath,
			Prompt:      args.Prompt,
			AgentName:   effectiveName,
			Permissions: sc.Permissions,
			ProjectRoot: projectPath,
			Bus:         sc.Bus,
			Log:         sc.Log,
		})
		if runErr != nil {
			result = supervisor.Result{Error: runErr.Error()}
		}
		close(heartbeatDone)
		entry.mu.Lock()
		entry.pid = result.PID
		entry.mu.Unlock()
		sc.finalizeAgent(effectiveName, model, result)
		sc.finalizeTask(effectiveName, entry, result, now)
		done <- result
		close(done)
	}()

	if !args.Wait {
		return JSONResult(taskResponse{TaskID: id, Status: string(taskstore.StateRunning), Agent: effectiveName, Model: model})
	}

	timeoutSeconds := args.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultWaitTimeoutSeconds
	}
	if timeoutSeconds > maxWaitTimeoutSeconds {
		timeoutSeconds = maxWaitTimeoutSeconds
	}

	select {
	case result := <-done:
		entry.mu.Lock()
		state := entry.task.State
		entry.mu.Unlock()
		return JSONResult(taskResponse{
			TaskID:     id,
			Status:     string(state),
			Agent:      effectiveName,
			Model:      model,
			Output:     result.Output,
			Error:      result.Error,
			DurationMs: time.Since(now).Milliseconds(),
		})
	case <-time.After(time.Duration(timeoutSeconds) * time.Second):
		return JSONResult(taskResponse{TaskID: id, Status: string(taskstore.StateRunning), Agent: effectiveName, Model: model})
	}
}

// startHeartbeat refreshes agent's registry heartbeat every
// HeartbeatIntervalMs while a task is in flight. The returned channel
// must be closed by the caller once the task finishes to stop the
// ticker.
func (sc *ServerContext) startHeartbeat(agent string) chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(agentregistry.HeartbeatIntervalMs * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sc.Agents.Heartbeat(agent); err != nil {
					sc.Log.Warn("agent heartbeat failed", "agent", agent, "error", err)
				}
			}
		}
	}()
	return done
}

// finalizeAgent re-registers agent with its final known PID (re-
// registration atomically replaces the prior entry, per the Agent
// Registry's contract) and marks it idle again once its task completes.
func (sc *ServerContext) finalizeAgent(agent, model string, result supervisor.Result) {
	if result.PID > 0 {
		if err := sc.Agents.Register(agent, model, result.PID); err != nil {
			sc.Log.Warn("agent re-registration failed", "agent", agent, "error", err)
			return
		}
	}
	if err := sc.Agents.UpdateStatus(agent, agentregistry.StatusIdle, ""); err != nil {
		sc.Log.Warn("agent status update failed", "agent", agent, "error", err)
	}
}

// finalizeTask writes a task's terminal state to the store, updates
// metrics, logs a one-line summary, and releases its admission slot.
func (sc *ServerContext) finalizeTask(agent string, entry *taskEntry, result supervisor.Result, startedAt time.Time) {
	defer sc.release(agent)

	state := taskstore.StateCompleted
	if result.Error != "" {
		state = taskstore.StateFailed
	}
	completedAt := time.Now()

	entry.mu.Lock()
	entry.task.State = state
	entry.task.CompletedAt = &completedAt
	entry.task.Output = result.Output
	entry.task.Error = result.Error
	entry.task.ToolCalls = len(result.ToolCalls)
	entry.task.OutputLen = len(result.Output)
	task := entry.task
	entry.mu.Unlock()

	if err := sc.Store.Save(task); err != nil {
		sc.Metrics.Counters.RegistrySaveFailures.Add(1)
		sc.Log.Error("failed to persist task finalization", "task_id", task.ID, "error", err)
	}

	sc.Metrics.RecordTask(agent, state == taskstore.StateCompleted, completedAt.Sub(startedAt).Milliseconds())

	sc.Log.Info("task finalized", "task_id", task.ID, "agent", agent, "state", state, "duration_ms", completedAt.Sub(startedAt).Milliseconds())

	sc.tasksMu.Lock()
	sc.pruneLocked()
	sc.tasksMu.Unlock()
}

// --- get_task_status / get_task_result ---

func validTaskID(id string) bool { return taskIDRe.MatchString(id) }

func (sc *ServerContext) lookupTask(id string) (taskstore.Task, bool, error) {
	if entry, ok := sc.getTask(id); ok {
		entry.mu.Lock()
		t := entry.task
		entry.mu.Unlock()
		return t, true, nil
	}
	t, err := sc.Store.Get(id)
	if err != nil {
		return taskstore.Task{}, false, err
	}
	if t == nil {
		return taskstore.Task{}, false, nil
	}
	return *t, true, nil
}

func (sc *ServerContext) getTaskStatus(args TaskIDArgs) (*ToolsCallResult, error) {
	if !validTaskID(args.TaskID) {
		return ErrorResult("invalid task_id"), nil
	}
	t, ok, err := sc.lookupTask(args.TaskID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("loading task: %v", err)), nil
	}
	if !ok {
		return ErrorResult(fmt.Sprintf("task %q not found", args.TaskID)), nil
	}
	return JSONResult(struct {
		TaskID string          `json:"task_id"`
		Status taskstore.State `json:"status"`
		Agent  string          `json:"agent"`
	}{t.ID, t.State, t.Agent})
}

func (sc *ServerContext) getTaskResult(args TaskIDArgs) (*ToolsCallResult, error) {
	if !validTaskID(args.TaskID) {
		return ErrorResult("invalid task_id"), nil
	}
	t, ok, err := sc.lookupTask(args.TaskID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("loading task: %v", err)), nil
	}
	if !ok {
		return ErrorResult(fmt.Sprintf("task %q not found", args.TaskID)), nil
	}
	return JSONResult(t)
}

// --- cancel_task ---

func (sc *ServerContext) cancelTask(args TaskIDArgs) (*ToolsCallResult, error) {
	if !validTaskID(args.TaskID) {
		return ErrorResult("invalid task_id"), nil
	}
	entry, ok := sc.getTask(args.TaskID)
	if !ok {
		return ErrorResult(fmt.Sprintf("task %q not found", args.TaskID)), nil
	}

	entry.mu.Lock()
	if entry.task.State != taskstore.StateRunning {
		state := entry.task.State
		entry.mu.Unlock()
		return ErrorResult(fmt.Sprintf("task %q is not running (state=%s)", args.TaskID, state)), nil
	}
	pid := entry.pid
	completedAt := time.Now()
	entry.task.State = taskstore.StateCancelled
	entry.task.CompletedAt = &completedAt
	task := entry.task
	entry.mu.Unlock()

	terminateThenKill(pid, signalGrace, sc.Log)

	if err := sc.Store.Save(task); err != nil {
		sc.Metrics.Counters.RegistrySaveFailures.Add(1)
	}
	sc.release(task.Agent)
	sc.Metrics.Counters.TaskFailed.Add(1)

	return JSONResult(struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}{args.TaskID, string(taskstore.StateCancelled)})
}

// --- get_metrics / health_check ---

func (sc *ServerContext) getMetrics() (*ToolsCallResult, error) {
	return JSONResult(sc.Metrics.Snapshot())
}

type healthAgents struct {
	Available   []string `json:"available"`
	Unavailable []string `json:"unavailable"`
	Total       int      `json:"total"`
}

type healthLimits struct {
	MaxGlobalRunning   int `json:"max_global_running"`
	MaxRunningPerAgent int `json:"max_running_per_agent"`
}

type healthResult struct {
	Status      string       `json:"status"`
	Healthy     bool         `json:"healthy"`
	Timestamp   time.Time    `json:"timestamp"`
	Version     string       `json:"version"`
	ActiveTasks int          `json:"active_tasks"`
	Agents      healthAgents `json:"agents"`
	Limits      healthLimits `json:"limits"`
}

func (sc *ServerContext) healthCheck() (*ToolsCallResult, error) {
	var agents healthAgents
	for name, cfg := range sc.Config.Agents {
		if sc.agentAvailable(name, cfg) {
			agents.Available = append(agents.Available, name)
		} else {
			agents.Unavailable = append(agents.Unavailable, name)
		}
	}
	agents.Total = len(sc.Config.Agents)

	sc.tasksMu.Lock()
	active := sc.runningGlobal
	sc.tasksMu.Unlock()

	status := "degraded"
	if len(agents.Available) > 0 {
		status = "healthy"
	}

	return JSONResult(healthResult{
		Status:      status,
		Healthy:     status == "healthy",
		Timestamp:   time.Now(),
		Version:     Version,
		ActiveTasks: active,
		Agents:      agents,
		Limits:      healthLimits{MaxGlobalRunning: maxGlobalRunning, MaxRunningPerAgent: maxRunningPerAgent},
	})
}

// --- broadcast / send_agent_message ---

func (sc *ServerContext) broadcast(args BroadcastArgs) (*ToolsCallResult, error) {
	if args.Content == "" {
		return ErrorResult("content is required"), nil
	}
	msg, err := sc.Bus.WriteMessage(orchestratorSender, bus.AllRecipient, args.Content, bus.WriteOptions{Type: bus.TypeBroadcast})
	if err != nil {
		sc.Metrics.Counters.MessageWriteFailures.Add(1)
		return ErrorResult(fmt.Sprintf("broadcast failed: %v", err)), nil
	}
	return JSONResult(msg)
}

func (sc *ServerContext) sendAgentMessage(args SendAgentMessageArgs) (*ToolsCallResult, error) {
	if args.Agent == "" || args.Content == "" {
		return ErrorResult("agent and content are required"), nil
	}
	if _, ok := sc.Agents.Get(args.Agent); !ok {
		return ErrorResult(fmt.Sprintf("agent %q is not registered", args.Agent)), nil
	}
	msg, err := sc.Bus.WriteMessage(orchestratorSender, args.Agent, args.Content, bus.WriteOptions{})
	if err != nil {
		sc.Metrics.Counters.MessageWriteFailures.Add(1)
		return ErrorResult(fmt.Sprintf("send failed: %v", err)), nil
	}
	return JSONResult(msg)
}

// --- get_agent_status ---

type agentStatusEntry struct {
	agentregistry.AgentInfo
	MessagesPending int     `json:"messages_pending"`
	RequestsPending int     `json:"requests_pending"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

func (sc *ServerContext) getAgentStatus() (*ToolsCallResult, error) {
	if n := sc.Agents.DetectDead(); n > 0 {
		sc.Log.Info("agents transitioned to dead", "count", n)
	}

	all := sc.Agents.GetAll()
	out := make([]agentStatusEntry, 0, len(all))
	openRequests, _ := sc.Bus.ListOpenRequests()
	for _, info := range all {
		pending, _ := sc.Bus.UnreadCount(info.Name)
		reqPending := 0
		for _, r := range openRequests {
			if r.RequestingAgent == info.Name {
				reqPending++
			}
		}
		out = append(out, agentStatusEntry{
			AgentInfo:       info,
			MessagesPending: pending,
			RequestsPending: reqPending,
			UptimeSeconds:   time.Since(info.RegisteredAt).Seconds(),
		})
	}
	return JSONResult(out)
}

// --- shutdown_agent / kill_agent ---

func (sc *ServerContext) shutdownAgent(args AgentNameArgs) (*ToolsCallResult, error) {
	if args.Agent == "" {
		return ErrorResult("agent is required"), nil
	}
	msg, err := sc.Bus.WriteMessage(orchestratorSender, args.Agent, "shutdown requested by orchestrator", bus.WriteOptions{Type: bus.TypeShutdown})
	if err != nil {
		sc.Metrics.Counters.MessageWriteFailures.Add(1)
		return ErrorResult(fmt.Sprintf("shutdown message failed: %v", err)), nil
	}
	return JSONResult(msg)
}

func (sc *ServerContext) killAgent(args AgentNameArgs) (*ToolsCallResult, error) {
	if args.Agent == "" {
		return ErrorResult("agent is required"), nil
	}
	info, ok := sc.Agents.Get(args.Agent)
	if !ok {
		return ErrorResult(fmt.Sprintf("agent %q is not registered", args.Agent)), nil
	}
	terminateThenKill(info.PID, signalGrace, sc.Log)
	if err := sc.Agents.UpdateStatus(args.Agent, agentregistry.StatusDead, ""); err != nil {
		sc.Metrics.Counters.RegistrySaveFailures.Add(1)
		return ErrorResult(fmt.Sprintf("marking agent dead: %v", err)), nil
	}
	return JSONResult(struct {
		Agent  string `json:"agent"`
		Status string `json:"status"`
	}{args.Agent, string(agentregistry.StatusDead)})
}

// --- create_workflow / get_workflow_status ---

func (sc *ServerContext) createWorkflow(ctx context.Context, args CreateWorkflowArgs) (*ToolsCallResult, error) {
	if args.Name == "" || len(args.Steps) == 0 {
		return ErrorResult("name and at least one step are required"), nil
	}
	projectPath, err := sc.resolveProject(args.Project)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	steps := make([]workflow.StepDefinition, 0, len(args.Steps))
	for _, s := range args.Steps {
		steps = append(steps, workflow.StepDefinition{
			Name: s.Name, Agent: s.Agent, Prompt: s.Prompt, Model: s.Model, DependsOn: s.DependsOn,
		})
	}

	wf, err := sc.Workflows.Create(workflow.Definition{Name: args.Name, Project: projectPath, Steps: steps})
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid workflow: %v", err)), nil
	}

	go wf.Run(func(step workflow.StepDefinition, prompt string) (string, string, error) {
		effectiveName, agentCfg, err := sc.resolveAgent(step.Agent)
		if err != nil {
			return "", "", err
		}
		if !sc.admit(effectiveName) {
			return "", "", fmt.Errorf("admission rejected for step %q", step.Name)
		}
		defer sc.release(effectiveName)

		model := resolveModel(step.Model, agentCfg.Models, agentCfg.DefaultModel)

		if err := sc.Agents.Register(effectiveName, model, 0); err != nil {
			sc.Log.Warn("agent registry registration failed", "agent", effectiveName, "error", err)
		} else if err := sc.Agents.UpdateStatus(effectiveName, agentregistry.StatusRunning, step.Name); err != nil {
			sc.Log.Warn("agent registry status update failed", "agent", effectiveName, "error", err)
		}
		heartbeatDone := sc.startHeartbeat(effectiveName)

		result, runErr := supervisor.Run(ctx, supervisor.Config{
			Spawn: acp.SpawnConfig{
				Command: agentCfg.Command,
				Args:    agentCfg.Args,
				Cwd:     projectPath,
			},
			Model:       model,
			SessionCwd:  projectPath,
			Prompt:      prompt,
			AgentName:   effectiveName,
			Permissions: sc.Permissions,
			ProjectRoot: projectPath,
			Bus:         sc.Bus,
			Log:         sc.Log,
		})
		close(heartbeatDone)
		sc.finalizeAgent(effectiveName, model, result)
		if runErr != nil {
			return "", "", runErr
		}
		if result.Error != "" {
			return result.Output, "", fmt.Errorf("%s", result.Error)
		}
		return result.Output, "", nil
	})

	return JSONResult(struct {
		WorkflowID string `json:"workflow_id"`
		Status     string `json:"status"`
	}{wf.ID, string(wf.State())})
}

func (sc *ServerContext) getWorkflowStatus(args WorkflowIDArgs) (*ToolsCallResult, error) {
	wf, ok := sc.Workflows.Get(args.WorkflowID)
	if !ok {
		return ErrorResult(fmt.Sprintf("workflow %q not found", args.WorkflowID)), nil
	}
	return JSONResult(struct {
		WorkflowID string                          `json:"workflow_id"`
		Name       string                          `json:"name"`
		Status     string                          `json:"status"`
		Steps      map[string]workflow.StepResult `json:"steps"`
	}{wf.ID, wf.Name, string(wf.State()), wf.StepResults()})
}
