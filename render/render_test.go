package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martinemde/drowcoder/agentloop"
)

func toolResult(content string, success bool) agentloop.Message {
	return agentloop.ToolMessage(content, agentloop.ToolResponse{
		ToolCallID:   "c1",
		FunctionName: "load",
		Arguments:    map[string]any{"file_path": "a.go", "ensure_abs": true},
		Success:      success,
	})
}

func renderAll(style Style, msgs ...agentloop.Message) string {
	var buf bytes.Buffer
	r := New(&buf, style)
	for _, m := range msgs {
		r.RenderMessage(m)
	}
	return buf.String()
}

func TestParseStyle(t *testing.T) {
	for _, name := range []string{"simple", "compact", "pretty", "rich_pretty", "PRETTY"} {
		_, err := ParseStyle(name)
		require.NoError(t, err, name)
	}
	s, err := ParseStyle("")
	require.NoError(t, err)
	require.Equal(t, StylePretty, s)

	_, err = ParseStyle("fancy")
	require.ErrorContains(t, err, `invalid verbose style "fancy"`)
}

func TestSimpleStyle(t *testing.T) {
	out := renderAll(StyleSimple,
		agentloop.SystemMessage("hidden system prompt"),
		agentloop.UserMessage("read a.go"),
		agentloop.AssistantMessage("", []agentloop.ToolCallRequest{{ID: "c1", FunctionName: "load", Arguments: `{"file_path":"a.go"}`}}),
		toolResult("package main", true),
	)
	require.NotContains(t, out, "hidden system prompt")
	require.Equal(t, "[user] read a.go\n"+
		"[assistant] calling load({\"file_path\":\"a.go\"})\n"+
		"[tool load] package main\n", out)
}

func TestCompactStyle(t *testing.T) {
	long := strings.Repeat("word ", 100)
	out := renderAll(StyleCompact,
		agentloop.UserMessage("line one\nline two"),
		toolResult(long, false),
	)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "user: line one line two", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "tool load failed: word"))
	require.True(t, strings.HasSuffix(lines[1], "..."))
}

func TestPrettyStyle(t *testing.T) {
	big := strings.Repeat("x\n", 100)
	out := renderAll(StylePretty,
		agentloop.AssistantMessage("I will read it", []agentloop.ToolCallRequest{{ID: "c1", FunctionName: "load", Arguments: `{"file_path":"a.go"}`}}),
		toolResult(big, true),
	)
	require.Contains(t, out, "╭─ Assistant")
	require.Contains(t, out, "│ I will read it")
	require.Contains(t, out, "╭─ Call load")
	require.Contains(t, out, `│   "file_path": "a.go"`)
	require.Contains(t, out, "╭─ Tool load ✓")
	require.Contains(t, out, "│ ensure_abs: true")
	require.Contains(t, out, "│ file_path: a.go")
	require.Contains(t, out, "lines omitted")

	failed := renderAll(StylePretty, toolResult("boom", false))
	require.Contains(t, failed, "Tool load ✗")
}

func TestRichPrettyRendersMarkdown(t *testing.T) {
	out := renderAll(StyleRichPretty, agentloop.AssistantMessage("Use **bold** here", nil))
	require.Contains(t, out, ansiBold+"bold"+ansiReset)

	plain := renderAll(StylePretty, agentloop.AssistantMessage("Use **bold** here", nil))
	require.Contains(t, plain, "**bold**")
}

func TestMarkdown(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"heading", "# Title", []string{ansiBold + ansiUnderline + "# Title" + ansiReset}},
		{"emphasis", "an *it* and **b**", []string{ansiItalic + "it" + ansiReset, ansiBold + "b" + ansiReset}},
		{"code span", "run `go test`", []string{ansiCyan + "go test" + ansiReset}},
		{"bullets", "- one\n- two", []string{"• one\n", "• two"}},
		{"ordered", "1. first\n2. second", []string{"1. first\n", "2. second"}},
		{"link", "[docs](https://go.dev)", []string{"docs (" + ansiBlue + "https://go.dev" + ansiReset + ")"}},
		{"fenced code", "```go\nfmt.Println()\n```", []string{"    " + ansiDim + "fmt.Println()" + ansiReset}},
		{"quote", "> careful", []string{"│ ", "careful"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Markdown(tt.src)
			for _, w := range tt.want {
				require.Contains(t, out, w)
			}
		})
	}
}
