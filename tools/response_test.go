package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestResponseTextOmitsEmptyFieldsAndMetadata(t *testing.T) {
	r := succeed("load", "hello", map[string]any{"file_size": 5})
	text, err := r.Dump(FormatText)
	require.NoError(t, err)
	require.Equal(t, "tool_name: load\nsuccess: true\ncontent: hello", text)
	require.Equal(t, text, r.String())
}

func TestResponseTextKeepsFalseSuccess(t *testing.T) {
	r := fail("load", "Error: File 'x' not found.", nil)
	text, err := r.Dump(FormatText)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(text), &decoded))
	require.Equal(t, false, decoded["success"])
	require.Equal(t, "Error: File 'x' not found.", decoded["error"])
	require.NotContains(t, decoded, "content")
}

func TestResponseDebugIncludesMetadata(t *testing.T) {
	r := succeed("search", "line one\nline two", map[string]any{"total_matches": 2})
	text, err := r.Dump(FormatDebug)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(text), &decoded))
	require.Equal(t, "line one\nline two", decoded["content"])
	require.Equal(t, map[string]any{"total_matches": 2}, decoded["metadata"])
}

func TestResponseObjectIsJSON(t *testing.T) {
	r := succeed("execute_command", &ExecResult{Command: "true", ExitCode: 0}, nil)
	text, err := r.Dump(FormatObject)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &decoded))
	require.Equal(t, "execute_command", decoded["tool_name"])
	require.Equal(t, "true", decoded["content"].(map[string]any)["command"])
}

func TestResponseStructuredContentText(t *testing.T) {
	r := succeed("execute_command", &ExecResult{Command: "echo hi", Output: "hi\n", ExitCode: 3}, nil)
	var decoded struct {
		Content ExecResult `yaml:"content"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(r.String()), &decoded))
	require.Equal(t, 3, decoded.Content.ExitCode)
	require.Equal(t, "hi\n", decoded.Content.Output)
}

func TestResponseInvalidFormat(t *testing.T) {
	_, err := succeed("x", nil, nil).Dump("xml")
	require.Error(t, err)
}

func TestResponseSucceededNilSafe(t *testing.T) {
	var r *Response
	require.False(t, r.Succeeded())
	require.Empty(t, r.String())
	require.True(t, succeed("x", nil, nil).Succeeded())
}
