package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTodoFixture(t *testing.T) (*TodoTools, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "todos.json")
	return NewTodoTools(NewTodoStore(path)), path
}

func callTodo(t *testing.T, fn func(context.Context, map[string]any) (any, error), args map[string]any) *Response {
	t.Helper()
	out, err := fn(context.Background(), args)
	require.NoError(t, err)
	return out.(*Response)
}

func storedTodos(t *testing.T, path string) []TodoItem {
	t.Helper()
	var items []TodoItem
	require.NoError(t, json.Unmarshal([]byte(readTestFile(t, path)), &items))
	return items
}

func todoArgs(items ...map[string]any) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

func TestUpdateTodosReplace(t *testing.T) {
	tools, path := newTodoFixture(t)
	resp := callTodo(t, tools.UpdateTodos, map[string]any{
		"merge": false,
		"todos": todoArgs(
			map[string]any{"id": "1", "content": "write code", "status": "in_progress"},
			map[string]any{"id": "2", "content": "test code", "status": "pending"},
		),
	})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, todosUpdatedMessage, resp.Content)
	require.Equal(t, []TodoItem{
		{ID: "1", Content: "write code", Status: TodoInProgress},
		{ID: "2", Content: "test code", Status: TodoPending},
	}, storedTodos(t, path))
}

func TestUpdateTodosReplaceValidation(t *testing.T) {
	tools, _ := newTodoFixture(t)

	resp := callTodo(t, tools.UpdateTodos, map[string]any{
		"merge": false,
		"todos": todoArgs(map[string]any{"id": "1", "content": "only", "status": "pending"}),
	})
	require.False(t, resp.Success)
	require.Equal(t, "At least 2 todo items are required", resp.Error)

	resp = callTodo(t, tools.UpdateTodos, map[string]any{
		"merge": false,
		"todos": todoArgs(
			map[string]any{"id": "1", "content": "a", "status": "pending"},
			map[string]any{"id": "2", "status": "pending"},
		),
	})
	require.False(t, resp.Success)
	require.Equal(t, "Todo item 1 missing required field: content", resp.Error)

	resp = callTodo(t, tools.UpdateTodos, map[string]any{
		"merge": false,
		"todos": todoArgs(
			map[string]any{"id": "1", "content": "a", "status": "pending"},
			map[string]any{"id": "2", "content": "b", "status": "blocked"},
		),
	})
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "Invalid status 'blocked'")
}

func TestUpdateTodosMergeKeepsOrderAndOmittedFields(t *testing.T) {
	tools, path := newTodoFixture(t)
	callTodo(t, tools.UpdateTodos, map[string]any{
		"merge": false,
		"todos": todoArgs(
			map[string]any{"id": "a", "content": "first", "status": "pending"},
			map[string]any{"id": "b", "content": "second", "status": "pending"},
		),
	})

	resp := callTodo(t, tools.UpdateTodos, map[string]any{
		"merge": true,
		"todos": todoArgs(
			map[string]any{"id": "b", "status": "completed"},
			map[string]any{"id": "c", "content": "third", "status": "pending"},
		),
	})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, 3, resp.Metadata["todos_count"])
	require.Equal(t, []TodoItem{
		{ID: "a", Content: "first", Status: TodoPending},
		{ID: "b", Content: "second", Status: TodoCompleted},
		{ID: "c", Content: "third", Status: TodoPending},
	}, storedTodos(t, path))
}

func TestUpdateTodosMergeNewItemNeedsAllFields(t *testing.T) {
	tools, _ := newTodoFixture(t)
	resp := callTodo(t, tools.UpdateTodos, map[string]any{
		"merge": true,
		"todos": todoArgs(map[string]any{"id": "new", "status": "pending"}),
	})
	require.False(t, resp.Success)
	require.Equal(t, "Todo item 0 missing required field: content", resp.Error)
}

func TestGetTodos(t *testing.T) {
	tools, path := newTodoFixture(t)

	resp := callTodo(t, tools.GetTodos, nil)
	require.False(t, resp.Success)
	require.Equal(t, "TODO file not found: "+path, resp.Error)

	callTodo(t, tools.UpdateTodos, map[string]any{
		"merge": false,
		"todos": todoArgs(
			map[string]any{"id": "1", "content": "a", "status": "pending"},
			map[string]any{"id": "2", "content": "b", "status": "cancelled"},
		),
	})
	resp = callTodo(t, tools.GetTodos, nil)
	require.True(t, resp.Success)
	require.Len(t, resp.Content, 2)
	require.Contains(t, resp.String(), "status: cancelled")
}

func TestUpdateTodoStatus(t *testing.T) {
	tools, path := newTodoFixture(t)
	callTodo(t, tools.UpdateTodos, map[string]any{
		"merge": false,
		"todos": todoArgs(
			map[string]any{"id": "1", "content": "a", "status": "pending"},
			map[string]any{"id": "2", "content": "b", "status": "pending"},
		),
	})

	resp := callTodo(t, tools.UpdateTodoStatus, map[string]any{"todo_id": "2", "status": "completed"})
	require.True(t, resp.Success)
	require.Equal(t, "Successfully updated todo '2' status to 'completed'", resp.Content)
	require.Equal(t, TodoCompleted, storedTodos(t, path)[1].Status)

	resp = callTodo(t, tools.UpdateTodoStatus, map[string]any{"todo_id": "9", "status": "completed"})
	require.False(t, resp.Success)
	require.Equal(t, "Todo with ID '9' not found", resp.Error)

	resp = callTodo(t, tools.UpdateTodoStatus, map[string]any{"todo_id": "1", "status": "done"})
	require.False(t, resp.Success)
	require.Equal(t, "Invalid status: done", resp.Error)
}
