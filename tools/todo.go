package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
)

// Todo tool names.
const (
	UpdateTodosToolName      = "update_todos"
	GetTodosToolName         = "get_todos"
	UpdateTodoStatusToolName = "update_todo_status"
)

// TodoStatus is the lifecycle state of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

func (s TodoStatus) valid() bool {
	switch s {
	case TodoPending, TodoInProgress, TodoCompleted, TodoCancelled:
		return true
	}
	return false
}

const todosUpdatedMessage = "Successfully updated TODOs. Make sure to follow and update your TODO list " +
	"as you make progress. Cancel and add new TODO tasks as needed when the user " +
	"makes a correction or follow-up request."

// TodoItem is one entry of the task list.
type TodoItem struct {
	ID      string     `json:"id" yaml:"id"`
	Content string     `json:"content" yaml:"content"`
	Status  TodoStatus `json:"status" yaml:"status"`
}

// TodoPatch is a todo item as the model sends it. A merge fills omitted
// fields from the stored item with the same id.
type TodoPatch struct {
	ID      *string `json:"id"`
	Content *string `json:"content"`
	Status  *string `json:"status"`
}

// TodoStore persists the task list as a JSON array at path.
type TodoStore struct {
	path string
	mu   sync.Mutex
}

// NewTodoStore returns a store backed by path, usually the checkpoint's
// todos.json.
func NewTodoStore(path string) *TodoStore {
	return &TodoStore{path: path}
}

// Path returns the backing file.
func (s *TodoStore) Path() string { return s.path }

// Load reads the stored list. A missing file yields fs.ErrNotExist.
func (s *TodoStore) Load() ([]TodoItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *TodoStore) load() ([]TodoItem, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var items []TodoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("invalid JSON in todo file %s: %w", s.path, err)
	}
	return items, nil
}

func (s *TodoStore) save(items []TodoItem) error {
	if items == nil {
		items = []TodoItem{}
	}
	data, err := json.MarshalIndent(items, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("write todos to %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write todos to %s: %w", s.path, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write todos to %s: %w", s.path, err)
	}
	return nil
}

// Update replaces or merges the stored list and returns the result.
func (s *TodoStore) Update(merge bool, inputs []TodoPatch) ([]TodoItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !merge {
		if len(inputs) < 2 {
			return nil, errors.New("At least 2 todo items are required")
		}
		items := make([]TodoItem, 0, len(inputs))
		for i, in := range inputs {
			item, err := completeItem(i, in, nil)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, s.save(items)
	}

	if len(inputs) == 0 {
		return nil, errors.New("At least 1 todo item is required to merge")
	}
	existing, err := s.load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	index := make(map[string]int, len(existing))
	for i, item := range existing {
		index[item.ID] = i
	}
	for i, in := range inputs {
		if in.ID == nil || *in.ID == "" {
			return nil, fmt.Errorf("Todo item %d missing required field: id", i)
		}
		if pos, ok := index[*in.ID]; ok {
			item, err := completeItem(i, in, &existing[pos])
			if err != nil {
				return nil, err
			}
			existing[pos] = item
			continue
		}
		item, err := completeItem(i, in, nil)
		if err != nil {
			return nil, err
		}
		index[item.ID] = len(existing)
		existing = append(existing, item)
	}
	return existing, s.save(existing)
}

// SetStatus changes one item's status.
func (s *TodoStore) SetStatus(id string, status TodoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID == id {
			items[i].Status = status
			return s.save(items)
		}
	}
	return errTodoNotFound
}

var errTodoNotFound = errors.New("todo not found")

// completeItem validates in, filling omitted fields from base when given.
func completeItem(i int, in TodoPatch, base *TodoItem) (TodoItem, error) {
	var item TodoItem
	if base != nil {
		item = *base
	}
	if in.ID != nil {
		item.ID = *in.ID
	}
	if in.Content != nil {
		item.Content = *in.Content
	}
	if in.Status != nil {
		item.Status = TodoStatus(*in.Status)
	}
	if base == nil {
		required := []struct {
			field string
			set   bool
		}{{"id", in.ID != nil}, {"content", in.Content != nil}, {"status", in.Status != nil}}
		for _, r := range required {
			if !r.set {
				return TodoItem{}, fmt.Errorf("Todo item %d missing required field: %s", i, r.field)
			}
		}
	}
	if !item.Status.valid() {
		return TodoItem{}, fmt.Errorf("Todo item %d: Invalid status '%s'. Must be one of: pending, in_progress, completed, cancelled", i, item.Status)
	}
	return item, nil
}

// TodoTools exposes a TodoStore as the three todo tools.
type TodoTools struct {
	store *TodoStore
}

// NewTodoTools returns the todo tool handlers for store.
func NewTodoTools(store *TodoStore) *TodoTools {
	return &TodoTools{store: store}
}

// UpdateTodos is the update_todos handler.
func (t *TodoTools) UpdateTodos(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		Merge bool        `json:"merge"`
		Todos []TodoPatch `json:"todos"`
	}
	if err := agentloop.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	logger := agentloop.LoggerFrom(ctx)
	meta := map[string]any{"merge": in.Merge, "checkpoint_path": t.store.Path()}

	items, err := t.store.Update(in.Merge, in.Todos)
	if err != nil {
		logger.Error("todo update failed", zap.Error(err))
		return fail(UpdateTodosToolName, err.Error(), meta), nil
	}
	meta["todos_count"] = len(items)
	logger.Info("todos updated", zap.Int("count", len(items)), zap.Bool("merge", in.Merge))
	return succeed(UpdateTodosToolName, todosUpdatedMessage, meta), nil
}

// GetTodos is the get_todos handler.
func (t *TodoTools) GetTodos(ctx context.Context, _ map[string]any) (any, error) {
	meta := map[string]any{"checkpoint_path": t.store.Path()}
	items, err := t.store.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return fail(GetTodosToolName, fmt.Sprintf("TODO file not found: %s", t.store.Path()), meta), nil
	}
	if err != nil {
		agentloop.LoggerFrom(ctx).Error("failed to load todos", zap.Error(err))
		return fail(GetTodosToolName, err.Error(), meta), nil
	}
	if items == nil {
		items = []TodoItem{}
	}
	meta["todos_count"] = len(items)
	return succeed(GetTodosToolName, items, meta), nil
}

// UpdateTodoStatus is the update_todo_status handler.
func (t *TodoTools) UpdateTodoStatus(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		TodoID string `json:"todo_id"`
		Status string `json:"status"`
	}
	if err := agentloop.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	meta := map[string]any{"todo_id": in.TodoID, "checkpoint_path": t.store.Path()}

	status := TodoStatus(in.Status)
	if !status.valid() {
		return fail(UpdateTodoStatusToolName, fmt.Sprintf("Invalid status: %s", in.Status), meta), nil
	}
	err := t.store.SetStatus(in.TodoID, status)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fail(UpdateTodoStatusToolName, fmt.Sprintf("TODO file not found: %s", t.store.Path()), meta), nil
	case errors.Is(err, errTodoNotFound):
		return fail(UpdateTodoStatusToolName, fmt.Sprintf("Todo with ID '%s' not found", in.TodoID), meta), nil
	case err != nil:
		return fail(UpdateTodoStatusToolName, err.Error(), meta), nil
	}
	agentloop.LoggerFrom(ctx).Info("todo status updated", zap.String("id", in.TodoID), zap.String("status", in.Status))
	return succeed(UpdateTodoStatusToolName,
		fmt.Sprintf("Successfully updated todo '%s' status to '%s'", in.TodoID, in.Status), meta), nil
}
