// Package bridgeconfig loads the bridge's read-only configuration.
//
// Loading and validating configuration is explicitly out of scope for
// this bridge (it is treated as an external collaborator) — this package
// is deliberately thin: a struct mirroring the on-disk shape and a single
// read path. It does not layer CLI flags over file values the way a
// fuller config system would.
package bridgeconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// allowedCommands is the fixed set of agent launcher binaries this build
// knows how to spawn. Anything else is rejected at load time.
var allowedCommands = map[string]bool{
	"codex-acp":       true,
	"claude-code-acp": true,
	"droid-acp":       true,
}

// ModelConfig describes one selectable model for an agent.
type ModelConfig struct {
	Flag     string `yaml:"flag"`
	Value    string `yaml:"value"`
	KeyEnv   string `yaml:"key_env,omitempty"`
	Provider string `yaml:"provider,omitempty"`
}

// AgentConfig describes one spawnable agent.
type AgentConfig struct {
	Type           string                 `yaml:"type"`
	Command        string                 `yaml:"command"`
	Args           []string               `yaml:"args,omitempty"`
	Cwd            string                 `yaml:"cwd,omitempty"`
	DefaultModel   string                 `yaml:"default_model"`
	Models         map[string]ModelConfig `yaml:"models,omitempty"`
	Strengths      []string               `yaml:"strengths,omitempty"`
	Env            map[string]string      `yaml:"env,omitempty"`
	FallbackAgent  string                 `yaml:"fallback_agent,omitempty"`
}

// PermissionsConfig configures the Permission Policy Engine's defaults.
type PermissionsConfig struct {
	AutoApprove bool `yaml:"auto_approve"`
}

// PollingConfig configures the out-of-scope file-poll watcher; kept only
// so the config shape round-trips, since watcher mode itself is not
// implemented here.
type PollingConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// LoggingConfig selects the slog level and optional log file.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// MessagingConfig toggles the Message Bus.
type MessagingConfig struct {
	Enabled      bool `yaml:"enabled"`
	FailSilently bool `yaml:"fail_silently"`
}

// ViewerConfig configures the out-of-scope session-viewer TUI; carried
// only for shape compatibility.
type ViewerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Mode        string `yaml:"mode,omitempty"`
	Interactive bool   `yaml:"interactive"`
}

// Config is the bridge's full configuration surface.
type Config struct {
	WorkspaceRoot string                 `yaml:"workspace_root"`
	Agents        map[string]AgentConfig `yaml:"agents"`
	Permissions   PermissionsConfig      `yaml:"permissions"`
	Polling       PollingConfig          `yaml:"polling"`
	Logging       LoggingConfig          `yaml:"logging"`
	Messaging     MessagingConfig        `yaml:"messaging"`
	Viewer        ViewerConfig           `yaml:"viewer"`
}

// BridgeRoot returns the directory holding persisted bridge state.
func (c *Config) BridgeRoot() string {
	return filepath.Join(c.WorkspaceRoot, ".claude", "bridge")
}

// TaskStorePath returns the path to the durable task store file.
func (c *Config) TaskStorePath() string {
	return filepath.Join(c.WorkspaceRoot, ".bridge-tasks.db")
}

// Load reads and validates a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Polling.IntervalMs == 0 {
		c.Polling.IntervalMs = 5000
	}
	for name, agent := range c.Agents {
		if agent.Type == "" {
			agent.Type = "acp"
			c.Agents[name] = agent
		}
	}
}

func (c *Config) validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	abs, err := filepath.Abs(c.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolving workspace_root %q: %w", c.WorkspaceRoot, err)
	}
	c.WorkspaceRoot = abs

	for name, agent := range c.Agents {
		if agent.Command == "" {
			return fmt.Errorf("agent %q: command is required", name)
		}
		if !allowedCommands[agent.Command] {
			return fmt.Errorf("agent %q: command %q is not in the allowed set", name, agent.Command)
		}
	}
	return nil
}
