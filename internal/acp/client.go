// Package acp implements the client side of the Agent Protocol: the
// line-delimited JSON-RPC dialect spoken to a spawned coding-agent
// subprocess over its stdio pipes.
//
// The spawn-plus-stdio-pipe-plus-line-scanner shape is grounded on
// emergent-company-specmcp/internal/mcp/server.go's stdio loop, turned
// around from server to client: here the bridge writes requests and
// reads the child's stdout line by line, dispatching by JSON-RPC id to
// pending calls and routing ID-less server-initiated notifications
// (permission requests, session_update) to the caller's callbacks.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Holovkat/cli-team-bridge/internal/jsonrpc"
)

// AllowedEnvVars is the fixed allowlist forwarded to every spawned
// agent; callers append per-agent API-key variable names on top of this.
var AllowedEnvVars = []string{"PATH", "HOME", "SHELL", "TERM", "LANG"}

// SpawnConfig describes how to start one agent subprocess.
type SpawnConfig struct {
	Command string
	Args    []string
	Cwd     string
	// ExtraEnv is a set of additional environment variable names (e.g.
	// per-agent API key variables) to forward, on top of AllowedEnvVars,
	// if present in the bridge's own environment.
	ExtraEnv []string
}

// ClientInfo identifies the bridge to the agent during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AgentInfo is the agent's self-reported identity from initialize.
type AgentInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ModelInfo describes one model an agent session can use.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// PermissionOption is one choice offered by a permission request.
type PermissionOption struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // allow_once, allow_always, deny
}

// PermissionRequest is a server-initiated request asking the bridge to
// authorize a tool call the agent wants to make.
type PermissionRequest struct {
	ToolName  string         `json:"toolName"`
	ToolTitle string         `json:"toolTitle,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// SessionUpdate is one server-sent session_update notification, loosely
// typed since its shape varies by discriminator.
type SessionUpdate struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content,omitempty"`
	Title     string          `json:"title,omitempty"`
	RawOutput json.RawMessage `json:"rawOutput,omitempty"`
	Entries   json.RawMessage `json:"entries,omitempty"`
}

const (
	initializeTimeout = 30 * time.Second
	newSessionTimeout = 30 * time.Second
)

// Callbacks lets a Session Supervisor observe protocol traffic as it
// happens rather than after the fact.
type Callbacks struct {
	OnSessionUpdate  func(SessionUpdate)
	OnPermissionRequest func(PermissionRequest) string // returns the chosen option id
}

// Client drives one agent subprocess through the Agent Protocol.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	stderr *stderrCapture

	log   *slog.Logger
	cbMu  sync.RWMutex
	cb    Callbacks

	nextID  atomic.Int64
	pending sync.Map // id string -> chan *jsonrpc.Response

	done    chan struct{} // closed exactly once, when the child has exited
	exitErr error         // valid only after done is closed
	once    sync.Once

	writeMu sync.Mutex
}

// stderrCapture accumulates up to a cap of the child's stderr.
type stderrCapture struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newStderrCapture(cap int) *stderrCapture {
	return &stderrCapture{cap: cap}
}

func (c *stderrCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) < c.cap {
		room := c.cap - len(c.buf)
		if room > len(p) {
			room = len(p)
		}
		c.buf = append(c.buf, p[:room]...)
	}
	return len(p), nil
}

func (c *stderrCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

const stderrCap = 64 * 1024

// Spawn starts the agent subprocess with the filtered environment and
// begins reading its stdout in a background goroutine.
func Spawn(cfg SpawnConfig, log *slog.Logger, cb Callbacks) (*Client, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = filteredEnv(cfg.ExtraEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr := newStderrCapture(stderrCap)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	c := &Client{
		cmd:    cmd,
		stdin:  stdin,
		stdout: scanner,
		stderr: stderr,
		log:    log,
		cb:     cb,
		done:   make(chan struct{}),
	}

	go c.readLoop()
	go func() {
		err := cmd.Wait()
		c.exitErr = err
		close(c.done)
	}()

	return c, nil
}

func filteredEnv(extra []string) []string {
	var out []string
	names := append(append([]string{}, AllowedEnvVars...), extra...)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if v, ok := os.LookupEnv(name); ok {
			out = append(out, name+"="+v)
		}
	}
	return out
}

// Pid returns the child process's PID.
func (c *Client) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Stderr returns what has been captured of the child's stderr so far,
// capped at 64 KiB.
func (c *Client) Stderr() string {
	return c.stderr.String()
}

// Done returns a channel closed once the child process has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ExitErr returns the child's exit error. Only meaningful after Done is closed.
func (c *Client) ExitErr() error {
	return c.exitErr
}

func (c *Client) readLoop() {
	for c.stdout.Scan() {
		line := c.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg jsonrpc.Request // superset: requests, notifications, and (via Result/Error below) responses share the envelope
		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err == nil && (resp.Result != nil || resp.Error != nil) && len(resp.ID) > 0 {
			c.dispatchResponse(&resp)
			continue
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			if c.log != nil {
				c.log.Warn("acp: unparseable line from agent", "error", err)
			}
			continue
		}
		c.dispatchServerMessage(&msg)
	}
}

func (c *Client) dispatchResponse(resp *jsonrpc.Response) {
	key := string(resp.ID)
	if ch, ok := c.pending.LoadAndDelete(key); ok {
		ch.(chan *jsonrpc.Response) <- resp
	}
}

// UpdateCallbacks replaces the client's callback set. Safe to call
// concurrently with an in-flight readLoop; callers typically use this
// to attach callbacks that close over the Client itself, which can't be
// constructed before Spawn returns it.
func (c *Client) UpdateCallbacks(cb Callbacks) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb = cb
}

func (c *Client) callbacks() Callbacks {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.cb
}

func (c *Client) dispatchServerMessage(req *jsonrpc.Request) {
	cb := c.callbacks()
	switch req.Method {
	case "session_update":
		var upd SessionUpdate
		if err := json.Unmarshal(req.Params, &upd); err != nil {
			return
		}
		if cb.OnSessionUpdate != nil {
			cb.OnSessionUpdate(upd)
		}
	case "session/request_permission", "requestPermission":
		var preq PermissionRequest
		if err := json.Unmarshal(req.Params, &preq); err != nil {
			return
		}
		chosen := "deny"
		if cb.OnPermissionRequest != nil {
			chosen = cb.OnPermissionRequest(preq)
		}
		if !req.IsNotification() {
			_ = c.respond(req.ID, map[string]string{"optionId": chosen})
		}
	default:
		if c.log != nil {
			c.log.Debug("acp: unhandled server message", "method", req.Method)
		}
	}
}

func (c *Client) respond(id json.RawMessage, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	resp := jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: data}
	return c.writeLine(resp)
}

func (c *Client) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to agent stdin: %w", err)
	}
	return nil
}

// call sends a request and waits for its response, racing ctx and the
// child's exit.
func (c *Client) call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	idJSON, _ := json.Marshal(id)

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params for %s: %w", method, err)
		}
		paramsJSON = b
	}

	req := jsonrpc.Request{JSONRPC: "2.0", ID: idJSON, Method: method, Params: paramsJSON}

	ch := make(chan *jsonrpc.Response, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	if err := c.writeLine(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("agent returned error for %s: %s", method, resp.Error.Message)
		}
		return resp, nil
	case <-c.done:
		return nil, fmt.Errorf("agent process exited while awaiting %s response: %v", method, c.exitErr)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Initialize performs the handshake and returns the agent's self-reported info.
func (c *Client) Initialize(ctx context.Context) (AgentInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			"fs": map[string]bool{"readTextFile": true, "writeTextFile": true},
		},
		"clientInfo": ClientInfo{Name: "cli-team-bridge", Version: "1.0.0"},
	})
	if err != nil {
		return AgentInfo{}, err
	}

	var result struct {
		AgentInfo AgentInfo `json:"agentInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return AgentInfo{}, fmt.Errorf("parsing initialize result: %w", err)
	}
	return result.AgentInfo, nil
}

// NewSession opens a session rooted at cwd and returns its id plus the
// models available within it.
func (c *Client) NewSession(ctx context.Context, cwd string) (sessionID string, models []ModelInfo, err error) {
	ctx, cancel := context.WithTimeout(ctx, newSessionTimeout)
	defer cancel()

	resp, err := c.call(ctx, "newSession", map[string]any{
		"cwd":        cwd,
		"mcpServers": []any{},
	})
	if err != nil {
		return "", nil, err
	}

	var result struct {
		SessionID string      `json:"sessionId"`
		Models    []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", nil, fmt.Errorf("parsing newSession result: %w", err)
	}
	return result.SessionID, result.Models, nil
}

// SetSessionModel is a best-effort call; failures are returned to the
// caller to log, not treated as fatal.
func (c *Client) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	_, err := c.call(ctx, "setSessionModel", map[string]any{
		"sessionId": sessionID,
		"modelId":   modelID,
	})
	return err
}

// Prompt sends the session's prompt text. The response arrives as a
// stopReason once streaming via session_update notifications concludes.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (stopReason string, err error) {
	resp, err := c.call(ctx, "prompt", map[string]any{
		"sessionId": sessionID,
		"prompt":    []map[string]string{{"type": "text", "text": text}},
	})
	if err != nil {
		return "", err
	}
	var result struct {
		StopReason string `json:"stopReason"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("parsing prompt result: %w", err)
	}
	return result.StopReason, nil
}

// Terminate sends SIGTERM to the child and, if it hasn't exited within
// grace, SIGKILLs it. Safe to call multiple times.
func (c *Client) Terminate(grace time.Duration) {
	c.once.Do(func() {
		if c.cmd.Process == nil {
			return
		}
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-c.done:
			return
		case <-time.After(grace):
			_ = c.cmd.Process.Kill()
		}
	})
}
