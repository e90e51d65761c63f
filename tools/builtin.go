package tools

import (
	"embed"
	"fmt"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/drowcoder/agentloop"
)

//go:embed schemas/*.yaml
var schemaFS embed.FS

// Builtins bundles the dependencies of the builtin tool set.
type Builtins struct {
	Env    *Environment
	Ignore *IgnoreRules
	Todos  *TodoStore
}

// DefaultSchemas returns the model-facing schemas of every builtin tool in
// registration order.
func DefaultSchemas() ([]agentloop.ToolSchema, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	var out []agentloop.ToolSchema
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		var doc struct {
			Tools []agentloop.ToolSchema `yaml:"tools"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", e.Name(), err)
		}
		out = append(out, doc.Tools...)
	}
	return out, nil
}

// handlers maps each builtin tool name to its implementation.
func (b Builtins) handlers() map[string]agentloop.ToolHandler {
	todos := NewTodoTools(b.Todos)
	return map[string]agentloop.ToolHandler{
		LoadToolName:             NewLoadTool(b.Env),
		WriteToolName:            NewWriteTool(b.Env),
		SearchReplaceToolName:    NewSearchReplaceTool(b.Env, b.Ignore),
		SearchToolName:           NewSearchTool(b.Env, b.Ignore),
		ExecuteToolName:          NewExecuteTool(b.Env, b.Ignore),
		UpdateTodosToolName:      agentloop.HandlerFunc(todos.UpdateTodos),
		GetTodosToolName:         agentloop.HandlerFunc(todos.GetTodos),
		UpdateTodoStatusToolName: agentloop.HandlerFunc(todos.UpdateTodoStatus),
		CompletionToolName:       agentloop.HandlerFunc(AttemptCompletion),
	}
}

// Register adds every builtin tool to reg.
func (b Builtins) Register(reg *agentloop.ToolRegistry) error {
	if b.Env == nil {
		return fmt.Errorf("builtin tools need an environment")
	}
	if b.Todos == nil {
		b.Todos = NewTodoStore(filepath.Join(b.Env.WorkingDirectory(), ".drowcoder", "todos.json"))
	}
	schemas, err := DefaultSchemas()
	if err != nil {
		return err
	}
	handlers := b.handlers()
	for _, s := range schemas {
		h, ok := handlers[s.Function.Name]
		if !ok {
			return fmt.Errorf("schema %q has no builtin handler", s.Function.Name)
		}
		reg.Register(agentloop.ToolDescriptor{
			Name:    s.Function.Name,
			Schema:  s,
			Handler: h,
			Enabled: true,
		})
	}
	return nil
}

// RegisterBuiltins registers the builtin tools for env, loading ignore
// rules from the workspace and persisting todos to todoPath.
func RegisterBuiltins(reg *agentloop.ToolRegistry, env *Environment, todoPath string) error {
	if env == nil {
		return fmt.Errorf("builtin tools need an environment")
	}
	ignore, err := LoadIgnoreRules(env.WorkingDirectory())
	if err != nil {
		return err
	}
	b := Builtins{Env: env, Ignore: ignore}
	if todoPath != "" {
		b.Todos = NewTodoStore(todoPath)
	}
	return b.Register(reg)
}
