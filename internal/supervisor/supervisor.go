// Package supervisor implements the Session Supervisor: it runs one
// agent subprocess through the full Agent Protocol lifecycle —
// initialize, new session, optional model selection, context
// injection, prompt, streaming, and teardown — and returns a bounded,
// merged result.
//
// The "race every protocol step against process exit, never let a
// panic/error escape as anything but a structured result" discipline
// follows internal/daemon's pool-management goroutines (itself
// expressed here through internal/acp.Client's Done()/ExitErr()
// instead of the teacher's event-buffer watcher, since this bridge's
// child speaks the Agent Protocol directly rather than emitting opaque
// JSONL log lines for a separate parser to tail).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Holovkat/cli-team-bridge/internal/acp"
	"github.com/Holovkat/cli-team-bridge/internal/bus"
	"github.com/Holovkat/cli-team-bridge/internal/permission"
	"github.com/Holovkat/cli-team-bridge/internal/retry"
)

const (
	sessionTimeout  = 30 * time.Minute
	sigkillGrace    = 5 * time.Second
	agentOutputCap  = 128 * 1024
	toolOutputCap   = 64 * 1024
	stderrReportCap = 2 * 1024
	rawOutputMax    = 10000
)

// Result is the outcome of one end-to-end agent session.
type Result struct {
	Output     string
	Error      string
	TimedOut   bool
	StopReason string
	ToolCalls  []ToolCallRecord
	PID        int
}

// ToolCallRecord is one observed tool_call/tool_call_update update.
type ToolCallRecord struct {
	Title   string
	Content string
}

// Config bundles what the supervisor needs for a single run. Spawn is
// what's actually exec'd; a non-empty Model is resolved against the
// session's advertised models and applied with SetSessionModel.
type Config struct {
	Spawn       acp.SpawnConfig
	Model       string
	SessionCwd  string
	Prompt      string
	AgentName   string // this agent's name in the bus/registry, empty disables messaging context injection
	Permissions *permission.Engine
	ProjectRoot string
	Bus         *bus.Bus // optional; nil disables context injection
	Log         *slog.Logger
}

var skipTitleRe = regexp.MustCompile(`(?i)(read|cat|view|open|load).*(file|content|source)`)

// promptPreamble is prepended to every prompt, instructing the agent to
// answer in plain text and to retry via an alternative approach if a
// permission request is denied.
const promptPreamble = "Respond with your final answer as plain text in your reply; do not assume the orchestrator can see a terminal. " +
	"If a tool call is denied by policy, try an alternative approach rather than stopping.\n\n"

// Run drives one agent session to completion. It never panics or
// returns a Go error for protocol/spawn/timeout failures — those are
// reported via Result.Error, matching the Agent Protocol's "never raise
// out of the supervisor" contract. A non-nil error return means the
// caller's Config was unusable (e.g. nil Permissions).
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.Permissions == nil {
		return Result{}, fmt.Errorf("supervisor: Config.Permissions is required")
	}

	sessionCtx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	var client *acp.Client
	var spawnErr error
	err := retry.Do(ctx, func() error {
		c, err := acp.Spawn(cfg.Spawn, cfg.Log, acp.Callbacks{})
		if err != nil {
			spawnErr = err
			return err
		}
		client = c
		return nil
	}, retry.Options{
		MaxAttempts: 3,
		IsRetryable: func(error) bool { return true }, // spawn failures (e.g. transient ENOMEM/EAGAIN) are always transient
		Logger:      cfg.Log,
	})
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to spawn agent: %v", spawnErr)}, nil
	}

	r := &runner{cfg: cfg, client: client}
	client.UpdateCallbacks(acp.Callbacks{
		OnSessionUpdate:     r.onSessionUpdate,
		OnPermissionRequest: r.onPermissionRequest,
	})

	return r.drive(sessionCtx), nil
}

type runner struct {
	cfg    Config
	client *acp.Client

	mu         sync.Mutex
	agentOut   strings.Builder
	toolOut    strings.Builder
	toolCalls  []ToolCallRecord
}

func (r *runner) drive(ctx context.Context) Result {
	defer r.client.Terminate(sigkillGrace)

	if _, err := r.client.Initialize(ctx); err != nil {
		return r.fail(err)
	}

	sessionID, models, err := r.client.NewSession(ctx, r.cfg.SessionCwd)
	if err != nil {
		return r.fail(err)
	}

	if r.cfg.Model != "" {
		if id := resolveModel(r.cfg.Model, models); id != "" {
			if err := r.client.SetSessionModel(ctx, sessionID, id); err != nil && r.cfg.Log != nil {
				r.cfg.Log.Warn("setSessionModel failed, continuing with default model", "error", err)
			}
		}
	}

	prompt := promptPreamble + r.injectContext() + r.cfg.Prompt

	stopReason, err := r.client.Prompt(ctx, sessionID, prompt)
	select {
	case <-r.client.Done():
		if err == nil {
			err = fmt.Errorf("agent process exited unexpectedly: %v", r.client.ExitErr())
		}
	default:
	}
	if err != nil {
		res := r.fail(err)
		res.TimedOut = ctx.Err() == context.DeadlineExceeded
		return res
	}

	timedOut := ctx.Err() != nil

	r.mu.Lock()
	agentOutput := capString(r.agentOut.String(), agentOutputCap)
	toolOutput := capString(r.toolOut.String(), toolOutputCap)
	toolCalls := append([]ToolCallRecord{}, r.toolCalls...)
	r.mu.Unlock()

	return Result{
		Output:     mergeOutputs(agentOutput, toolOutput),
		StopReason: stopReason,
		TimedOut:   timedOut,
		ToolCalls:  toolCalls,
		PID:        r.client.Pid(),
	}
}

func (r *runner) fail(err error) Result {
	stderr := r.client.Stderr()
	if len(stderr) > stderrReportCap {
		stderr = stderr[:stderrReportCap]
	}
	msg := err.Error()
	if stderr != "" {
		msg = fmt.Sprintf("%s (stderr: %s)", msg, stderr)
	}
	return Result{Error: msg, PID: r.client.Pid()}
}

func resolveModel(requested string, models []acp.ModelInfo) string {
	for _, m := range models {
		if m.ID == requested || m.DisplayName == requested {
			return m.ID
		}
	}
	return ""
}

func (r *runner) injectContext() string {
	if r.cfg.Bus == nil || r.cfg.AgentName == "" {
		return ""
	}
	unread, err := r.cfg.Bus.ReadInbox(r.cfg.AgentName, bus.ReadFilter{UnreadOnly: true})
	if err != nil || len(unread) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("```\n")
	ids := make([]string, 0, len(unread))
	for _, m := range unread {
		fmt.Fprintf(&b, "[%s → %s] %s\n", m.From, m.To, m.Content)
		ids = append(ids, m.ID)
	}
	b.WriteString("```\n\n")
	_, _ = r.cfg.Bus.MarkRead(r.cfg.AgentName, ids)
	return b.String()
}

func (r *runner) onSessionUpdate(upd acp.SessionUpdate) {
	switch upd.Type {
	case "agent_message_chunk":
		if text := extractText(upd.Content); text != "" {
			r.mu.Lock()
			r.agentOut.WriteString(text)
			r.mu.Unlock()
		}
	case "agent_thought_chunk":
		if r.cfg.Log != nil {
			r.cfg.Log.Debug("agent thought", "agent", r.cfg.AgentName)
		}
	case "tool_call", "tool_call_update":
		r.recordToolCall(upd)
	case "plan":
		if r.cfg.Log != nil {
			r.cfg.Log.Debug("agent plan update", "agent", r.cfg.AgentName)
		}
	}
}

func (r *runner) recordToolCall(upd acp.SessionUpdate) {
	if skipTitleRe.MatchString(upd.Title) {
		return
	}
	content := extractToolContent(upd)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, ToolCallRecord{Title: upd.Title, Content: content})
	if content != "" {
		r.toolOut.WriteString(content)
		r.toolOut.WriteString("\n")
	}
}

func (r *runner) onPermissionRequest(req acp.PermissionRequest) string {
	result := r.cfg.Permissions.Evaluate(permission.Context{
		ToolName:    req.ToolName,
		ToolTitle:   req.ToolTitle,
		Args:        req.Arguments,
		ProjectRoot: r.cfg.ProjectRoot,
	})

	if r.cfg.Log != nil {
		r.cfg.Log.Info("permission decision", "tool", req.ToolName, "action", result.Action, "reason", result.Reason)
	}

	var want string
	switch result.Action {
	case permission.Deny:
		want = "deny"
	case permission.Ask:
		want = r.escalate(req)
	default:
		want = "allow"
	}

	if want == "deny" {
		for _, opt := range req.Options {
			if opt.Kind == "deny" || opt.ID == "deny" {
				return opt.ID
			}
		}
		return "deny"
	}

	for _, kind := range []string{"allow_once", "allow_always"} {
		for _, opt := range req.Options {
			if opt.Kind == kind {
				return opt.ID
			}
		}
	}
	for _, opt := range req.Options {
		if opt.ID == "allow" {
			return opt.ID
		}
	}
	if len(req.Options) > 0 {
		return req.Options[0].ID
	}
	return "deny"
}

// askEscalationTimeoutSeconds bounds how long an Ask permission decision
// waits on an operator before defaulting to deny. Matches the open
// request exchange's default timeout.
const askEscalationTimeoutSeconds = bus.DefaultRequestTimeoutSeconds

const askPollInterval = 500 * time.Millisecond

// escalate routes a permission.Ask result through the Message Bus's
// open-request/claim exchange so an operator (or another agent) can
// actually answer it, instead of silently resolving every Ask to allow.
// No claim within the timeout, or no Bus configured at all, resolves to
// deny — the same fail-closed default the Permission Policy Engine uses
// when no rule matches.
func (r *runner) escalate(req acp.PermissionRequest) string {
	if r.cfg.Bus == nil {
		if r.cfg.Log != nil {
			r.cfg.Log.Warn("permission ask with no bus configured, denying", "tool", req.ToolName)
		}
		return "deny"
	}

	description := fmt.Sprintf("permission ask: agent=%s tool=%s title=%s", r.cfg.AgentName, req.ToolName, req.ToolTitle)
	tr, err := r.cfg.Bus.CreateRequest(r.cfg.AgentName, description, req.ToolTitle, askEscalationTimeoutSeconds)
	if err != nil {
		if r.cfg.Log != nil {
			r.cfg.Log.Warn("failed to create permission ask request, denying", "tool", req.ToolName, "error", err)
		}
		return "deny"
	}

	deadline := time.Now().Add(time.Duration(askEscalationTimeoutSeconds) * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(askPollInterval)
		current, err := r.cfg.Bus.GetRequest(tr.ID)
		if err != nil {
			continue
		}
		switch current.Status {
		case bus.RequestComplete:
			if current.Decision == "allow" {
				return "allow"
			}
			return "deny"
		case bus.RequestExpired:
			return "deny"
		}
	}
	if r.cfg.Log != nil {
		r.cfg.Log.Warn("permission ask timed out awaiting operator decision, denying", "tool", req.ToolName, "request_id", tr.ID)
	}
	return "deny"
}
