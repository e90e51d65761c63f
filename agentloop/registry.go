package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/drowcoder/unifiedllm"
)

// ToolHandler executes a tool with decoded arguments.
type ToolHandler interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// HandlerFunc adapts a function to ToolHandler.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// FunctionSchema describes a tool's name and parameters to the model.
type FunctionSchema struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

// ToolSchema is the model-facing tool description.
type ToolSchema struct {
	Type     string         `json:"type" yaml:"type"`
	Function FunctionSchema `json:"function" yaml:"function"`
}

// ToolDescriptor pairs a schema with its handler.
type ToolDescriptor struct {
	Name    string
	Schema  ToolSchema
	Handler ToolHandler
	Enabled bool
}

// NewToolDescriptor returns an enabled descriptor for a function tool.
func NewToolDescriptor(name, description string, parameters map[string]any, handler ToolHandler) ToolDescriptor {
	return ToolDescriptor{
		Name: name,
		Schema: ToolSchema{
			Type: "function",
			Function: FunctionSchema{
				Name:        name,
				Description: description,
				Parameters:  parameters,
			},
		},
		Handler: handler,
		Enabled: true,
	}
}

// ToolRegistry manages tool registration and lookup. Iteration follows
// registration order.
type ToolRegistry struct {
	tools map[string]*ToolDescriptor
	order []string
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*ToolDescriptor),
	}
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(desc ToolDescriptor) {
	if desc.Name == "" {
		desc.Name = desc.Schema.Function.Name
	}
	if desc.Schema.Type == "" {
		desc.Schema.Type = "function"
	}
	if desc.Schema.Function.Name == "" {
		desc.Schema.Function.Name = desc.Name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; !exists {
		r.order = append(r.order, desc.Name)
	}
	r.tools[desc.Name] = &desc
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the named descriptor regardless of enablement.
func (r *ToolRegistry) Get(name string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return *d, true
}

// Lookup returns the named descriptor only when it is enabled.
func (r *ToolRegistry) Lookup(name string) (ToolDescriptor, bool) {
	d, ok := r.Get(name)
	if !ok || !d.Enabled {
		return ToolDescriptor{}, false
	}
	return d, true
}

// Enable marks the named tools enabled. Unknown names are reported.
func (r *ToolRegistry) Enable(names ...string) error {
	return r.setEnabled(true, names)
}

// Disable marks the named tools disabled. Unknown names are reported.
func (r *ToolRegistry) Disable(names ...string) error {
	return r.setEnabled(false, names)
}

func (r *ToolRegistry) setEnabled(enabled bool, names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []string
	for _, name := range names {
		d, ok := r.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		d.Enabled = enabled
	}
	if len(missing) > 0 {
		return fmt.Errorf("unknown tools: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Schemas returns the schemas of enabled tools.
func (r *ToolRegistry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		if d := r.tools[name]; d.Enabled {
			schemas = append(schemas, d.Schema)
		}
	}
	return schemas
}

// Definitions returns enabled tool schemas in the backend's format.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	schemas := r.Schemas()
	defs := make([]unifiedllm.ToolDefinition, len(schemas))
	for i, s := range schemas {
		defs[i] = unifiedllm.ToolDefinition{
			Name:        s.Function.Name,
			Description: s.Function.Description,
			Parameters:  s.Function.Parameters,
		}
	}
	return defs
}

// Names returns the names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
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
	for _, name := range r.order {
		d := *r.tools[name]
		clone.tools[name] = &d
		clone.order = append(clone.order, name)
	}
	return clone
}

// ApplyConfig overrides schemas of registered tools from configuration
// entries shaped like {type: function, function: {name, description,
// parameters}, enabled: bool}. Handlers cannot be supplied by
// configuration, so every entry must name a registered tool.
func (r *ToolRegistry) ApplyConfig(entries []map[string]any) error {
	for i, entry := range entries {
		schema, enabled, err := decodeToolEntry(entry)
		if err != nil {
			return fmt.Errorf("tool config entry %d: %w", i, err)
		}
		existing, ok := r.Get(schema.Function.Name)
		if !ok || existing.Handler == nil {
			return fmt.Errorf("tool config entry %d: no handler registered for %q", i, schema.Function.Name)
		}
		if schema.Function.Parameters == nil {
			schema.Function.Parameters = existing.Schema.Function.Parameters
		}
		r.Register(ToolDescriptor{
			Name:    schema.Function.Name,
			Schema:  schema,
			Handler: existing.Handler,
			Enabled: enabled,
		})
	}
	return nil
}

func decodeToolEntry(entry map[string]any) (ToolSchema, bool, error) {
	typ, _ := entry["type"].(string)
	if typ != "function" {
		return ToolSchema{}, false, fmt.Errorf("unsupported tool type %q", typ)
	}
	fn, ok := entry["function"].(map[string]any)
	if !ok {
		return ToolSchema{}, false, errors.New("missing function block")
	}
	name, _ := fn["name"].(string)
	if name == "" {
		return ToolSchema{}, false, errors.New("function.name is required")
	}
	desc, _ := fn["description"].(string)
	if desc == "" {
		return ToolSchema{}, false, fmt.Errorf("function.description is required for %q", name)
	}
	var params map[string]any
	if p, ok := fn["parameters"]; ok && p != nil {
		params, ok = p.(map[string]any)
		if !ok {
			return ToolSchema{}, false, fmt.Errorf("function.parameters for %q must be an object", name)
		}
	}
	enabled := true
	if v, ok := entry["enabled"]; ok {
		b, ok := v.(bool)
		if !ok {
			return ToolSchema{}, false, fmt.Errorf("enabled for %q must be a boolean", name)
		}
		enabled = b
	}
	return ToolSchema{
		Type:     typ,
		Function: FunctionSchema{Name: name, Description: desc, Parameters: params},
	}, enabled, nil
}

// LoadToolConfigFile reads the "tools" list from a YAML or JSON file.
func LoadToolConfigFile(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool config: %w", err)
	}
	var doc struct {
		Tools []map[string]any `json:"tools" yaml:"tools"`
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse tool config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse tool config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported tool config format %q", filepath.Ext(path))
	}
	return doc.Tools, nil
}

// ParseToolArguments unmarshals raw tool call arguments into a map. Empty
// input decodes to an empty map.
func ParseToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
