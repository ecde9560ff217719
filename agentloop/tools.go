package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SideEvent is an event a tool asks the loop to publish after it completes,
// such as workflow.submitted.
type SideEvent struct {
	Type EventType
	Data map[string]interface{}
}

// ToolOutput is the result of a successful tool execution.
type ToolOutput struct {
	Text   string
	Events []SideEvent
}

// ToolExecutor is the function signature for tool execution.
type ToolExecutor func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error)

// ToolDefinition describes a tool for the model (serializable metadata).
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its executor and limits.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor

	// ReadOnly marks tools that only inspect state. Subagents are
	// restricted to read-only tools.
	ReadOnly bool

	// Timeout overrides the executor default when non-zero.
	Timeout time.Duration

	// MaxOutputChars overrides the per-tool truncation limit when non-zero.
	MaxOutputChars int

	schema    *jsonschema.Schema
	schemaErr error
}

// ValidateArguments checks raw arguments against the tool's parameter schema.
// Tools without a parameter schema accept anything.
func (t *RegisteredTool) ValidateArguments(raw json.RawMessage) error {
	if t.schemaErr != nil {
		return t.schemaErr
	}
	if t.schema == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return t.schema.Validate(value)
}

func compileSchema(params map[string]interface{}) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("tool.json")
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds or replaces a tool in the registry. The parameter schema is
// compiled here; a malformed schema surfaces as a validation error on every
// call of the tool rather than a registration failure.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	tool.schema, tool.schemaErr = compileSchema(tool.Definition.Parameters)
	if tool.schemaErr != nil {
		tool.schemaErr = fmt.Errorf("tool %s has an invalid parameter schema: %w",
			tool.Definition.Name, tool.schemaErr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns all tool definitions (for sending to the model).
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	return defs
}

// Names returns the names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a copy of the registry.
func (r *ToolRegistry) Clone() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for name, tool := range r.tools {
		cloned := *tool
		clone.tools[name] = &cloned
	}
	return clone
}

// ReadOnlyView returns a registry holding only the read-only tools.
func (r *ToolRegistry) ReadOnlyView() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := NewToolRegistry()
	for name, tool := range r.tools {
		if tool.ReadOnly {
			cloned := *tool
			view.tools[name] = &cloned
		}
	}
	return view
}

// MergeFrom copies all tools from other into this registry.
// Existing tools with the same name are overwritten (latest-wins).
func (r *ToolRegistry) MergeFrom(other *ToolRegistry) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tool := range other.tools {
		cloned := *tool
		r.tools[name] = &cloned
	}
}

// ParseToolArguments is a helper that unmarshals tool call arguments into a
// map for validation and access.
func ParseToolArguments(raw json.RawMessage) (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
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

// GetBoolArg extracts a boolean argument from parsed tool arguments.
func GetBoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
