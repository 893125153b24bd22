package toolserver

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ToolDefinition describes one callable tool. Parameters is a JSON-schema
// style object so drivers can validate arguments before calling.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Handler executes one tool call. Returned errors become tool_failed
// responses unless they are already *RPCError.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Registry holds the tool table.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]ToolDefinition
	tools map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:  make(map[string]ToolDefinition),
		tools: make(map[string]Handler),
	}
}

// Register adds a tool. Re-registering a name is an error.
func (r *Registry) Register(def ToolDefinition, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	r.tools[def.Name] = h
	return nil
}

// List returns all tool definitions sorted by name.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs a registered tool.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	h, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: CodeToolNotFound, Message: fmt.Sprintf("unknown tool: %s", name)}
	}
	return h(ctx, args)
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", &RPCError{Code: CodeInvalidParams, Message: key + " argument is required"}
	}
	return v, nil
}

// optStringArg extracts an optional string argument.
func optStringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
