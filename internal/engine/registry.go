package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Tool defines the call/return contract for executable agent tools. The
// engine treats implementations as opaque capabilities; concrete tools
// (shell, browser, search) live behind this boundary.
type Tool interface {
	// Name returns the tool name for model function calling.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Errors are returned, never thrown across
	// this boundary uncaught.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result contains the output from a tool execution.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Registry manages available tools with thread-safe registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry by name, replacing any existing
// tool with the same name. The tool's schema is compiled for argument
// validation; an invalid schema disables validation for that tool only.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	r.tools[name] = tool
	if compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema())); err == nil {
		r.schemas[name] = compiled
	} else {
		delete(r.schemas, name)
	}
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Schemas returns the registered tools as provider-facing schemas.
func (r *Registry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return out
}

// Restricted returns a new registry containing only the allow-listed tools.
// Unknown names are ignored. Used when spawning sub-agents.
func (r *Registry) Restricted(allowed []string) *Registry {
	restricted := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range allowed {
		if tool, ok := r.tools[name]; ok {
			restricted.tools[name] = tool
			if schema, ok := r.schemas[name]; ok {
				restricted.schemas[name] = schema
			}
		}
	}
	return restricted
}

// Execute validates and runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return nil, fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)
	}
	if len(params) > MaxToolParamsSize {
		return nil, fmt.Errorf("tool parameters exceed %d bytes", MaxToolParamsSize)
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if schema != nil && len(params) > 0 {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return nil, NewToolError(name, err).WithType(ToolErrorInvalidInput)
		}
		if err := schema.Validate(decoded); err != nil {
			return nil, NewToolError(name, fmt.Errorf("arguments do not match schema: %w", err)).
				WithType(ToolErrorInvalidInput)
		}
	}

	return tool.Execute(ctx, params)
}

// ToolFunc adapts a function into a Tool for inline registration.
type ToolFunc struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, params json.RawMessage) (*Result, error)
}

func (t *ToolFunc) Name() string            { return t.ToolName }
func (t *ToolFunc) Description() string     { return t.ToolDescription }
func (t *ToolFunc) Schema() json.RawMessage { return t.ToolSchema }
func (t *ToolFunc) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	return t.Fn(ctx, params)
}
