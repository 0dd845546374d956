package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rparkins/convoke/llm"
)

// Tool is one callable capability exposed to the model. Execute receives the
// parsed argument map and returns rendered output; an error return becomes a
// failed ToolResult surfaced to the model, never a panic out of the turn.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry is a read-mostly lookup table of tools, injected into the Agent
// at construction so tests can supply fakes.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Resolve returns the tool registered under name, or nil.
func (r *Registry) Resolve(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Schemas returns tool definitions for the LLM request. A non-nil allowlist
// restricts the set to the named tools; unknown names are ignored.
func (r *Registry) Schemas(allowlist []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []llm.ToolDefinition
	appendDef := func(t Tool) {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}

	if allowlist != nil {
		for _, name := range allowlist {
			if t, ok := r.tools[name]; ok {
				appendDef(t)
			}
		}
		return defs
	}
	for _, t := range r.tools {
		appendDef(t)
	}
	return defs
}

// ParseArguments unmarshals a tool call's arguments JSON into a string-keyed
// map. Blank input yields an empty map; a parse failure is returned to the
// dispatcher, which converts it to a structured error result.
func ParseArguments(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// StringArg extracts a string argument.
func StringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntArg extracts an integer argument, accepting JSON's float64 encoding.
func IntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// BoolArg extracts a boolean argument.
func BoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
