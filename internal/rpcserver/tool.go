package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// Tool is one callable entry on the Orchestrator Protocol's tools
// surface. Mirrors emergent-company-specmcp/internal/mcp.Tool so the
// registry/dispatch code reads the same either way.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error)
}

// Registry holds every registered tool, in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t, panicking on a duplicate name — a programmer error,
// not a runtime condition, since the tool table is built once at
// startup from a fixed list.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic(fmt.Sprintf("rpcserver: tool %q already registered", t.Name()))
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
}

// Get returns a tool by name, or nil if unregistered.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns every tool's definition in registration order.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, ToolDefinition{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return defs
}

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// schemaFor generates a JSON Schema for T via reflection, so a tool's
// tools/list schema and its tools/call argument struct can never drift
// apart — they're the same Go type.
func schemaFor[T any]() json.RawMessage {
	s := reflector.Reflect(new(T))
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("rpcserver: reflecting schema for %T: %v", *new(T), err))
	}
	return b
}

// funcTool adapts a name/description/handler triple into a Tool,
// decoding params into T before calling exec.
type funcTool[T any] struct {
	name        string
	description string
	schema      json.RawMessage
	exec        func(ctx context.Context, args T) (*ToolsCallResult, error)
}

func newTool[T any](name, description string, exec func(context.Context, T) (*ToolsCallResult, error)) Tool {
	return &funcTool[T]{
		name:        name,
		description: description,
		schema:      schemaFor[T](),
		exec:        exec,
	}
}

func (t *funcTool[T]) Name() string                   { return t.name }
func (t *funcTool[T]) Description() string             { return t.description }
func (t *funcTool[T]) InputSchema() json.RawMessage    { return t.schema }

func (t *funcTool[T]) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	var args T
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
	}
	return t.exec(ctx, args)
}
