// Package tools provides the capability framework and the platform actions
// the agent can take.
package tools

import (
	"context"
	"sort"
	"strings"
)

// ActionContext identifies the turn and conversation an action runs for.
type ActionContext struct {
	ActionID  string `json:"action_id"`
	TurnID    string `json:"turn_id,omitempty"`
	Channel   string `json:"channel"`
	Platform  string `json:"platform,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Tool is the interface that all capabilities must implement.
type Tool interface {
	// Name returns the capability identifier used in plans.
	Name() string
	// Description returns a human-readable description for the planner.
	Description() string
	// Parameters returns the JSON Schema for the parameters. Its "required"
	// list is enforced by the executor before Execute is called.
	Parameters() map[string]any
	// Execute performs the action. It may return a *Result, a string, or any
	// other value; the executor normalizes bare values into a success.
	Execute(ctx context.Context, params map[string]any, actx ActionContext) (any, error)
}

// TieredTool is an optional interface for tools that declare a risk tier.
// Tier 0: read-only (always allowed)
// Tier 1: controlled writes (allowed by policy)
// Tier 2: external/high-impact
type TieredTool interface {
	Tool
	Tier() int
}

// Risk tier constants.
const (
	TierReadOnly = 0 // Read-only internal tools
	TierWrite    = 1 // Replies and reactions in the current conversation
	TierHighRisk = 2 // Deferred or cross-conversation actions
)

// ToolTier returns the risk tier for a tool.
// If the tool implements TieredTool, its Tier() is returned.
// Otherwise defaults to TierReadOnly.
func ToolTier(t Tool) int {
	if tt, ok := t.(TieredTool); ok {
		return tt.Tier()
	}
	return TierReadOnly
}

// Registry maps capability names to tools. It is populated at startup and
// read concurrently afterwards.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name. A miss is a normal outcome.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered capability names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered tools in name order.
func (r *Registry) List() []Tool {
	result := make([]Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		result = append(result, r.tools[name])
	}
	return result
}

// Definitions returns tool definitions in OpenAI function format. When names
// is non-empty only those tools are included.
func (r *Registry) Definitions(names ...string) []map[string]any {
	include := func(string) bool { return true }
	if len(names) > 0 {
		allowed := make(map[string]bool, len(names))
		for _, n := range names {
			allowed[n] = true
		}
		include = func(n string) bool { return allowed[n] }
	}

	result := make([]map[string]any, 0, len(r.tools))
	for _, tool := range r.List() {
		if !include(tool.Name()) {
			continue
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  tool.Parameters(),
			},
		})
	}
	return result
}

// RequiredParams returns the "required" list of a tool's parameter schema.
func RequiredParams(t Tool) []string {
	schema := t.Parameters()
	if schema == nil {
		return nil
	}
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// MissingParams returns the required parameters that are absent, nil or
// blank strings in params.
func MissingParams(t Tool, params map[string]any) []string {
	var missing []string
	for _, key := range RequiredParams(t) {
		v, ok := params[key]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetMap extracts an object parameter.
func GetMap(params map[string]any, key string) map[string]any {
	if v, ok := params[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}
