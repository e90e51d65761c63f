package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Environment {
	t.Helper()
	env, err := NewEnvironment(t.TempDir())
	require.NoError(t, err)
	return env
}

func writeTestFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

type invoker interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

func invokeTool(t *testing.T, tool invoker, args map[string]any) *Response {
	t.Helper()
	out, err := tool.Invoke(context.Background(), args)
	require.NoError(t, err)
	resp, ok := out.(*Response)
	require.True(t, ok, "expected *Response, got %T", out)
	return resp
}
