package unifiedllm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageAccessors(t *testing.T) {
	msg := Message{Role: RoleAssistant, Content: []ContentPart{
		TextPart("looking "),
		ToolCallPart("c1", "load", json.RawMessage(`{"file_path":"a.go"}`)),
		TextPart("now"),
		ToolCallPart("c2", "search", json.RawMessage(`{}`)),
	}}

	require.Equal(t, "looking now", msg.Text())
	calls := msg.ToolCalls()
	require.Len(t, calls, 2)
	require.Equal(t, "c1", calls[0].ID)
	require.Equal(t, "search", calls[1].Name)
	require.JSONEq(t, `{"file_path":"a.go"}`, string(calls[0].Arguments))
	require.Empty(t, msg.ToolResults())

	res := ToolResultMessage("c1", "load", "package a", true)
	require.Equal(t, RoleTool, res.Role)
	require.Equal(t, []ToolResult{{CallID: "c1", Name: "load", Content: "package a", IsError: true}}, res.ToolResults())
	require.Empty(t, res.Text())
}

func TestUsageAdd(t *testing.T) {
	total := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}.
		Add(Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3})
	require.Equal(t, Usage{InputTokens: 11, OutputTokens: 7, TotalTokens: 18}, total)
}

func TestResponseAccessors(t *testing.T) {
	resp := Response{Message: Message{Role: RoleAssistant, Content: []ContentPart{
		TextPart("done"),
		ToolCallPart("c1", "attempt_completion", json.RawMessage(`{"result":"ok"}`)),
	}}}
	require.Equal(t, "done", resp.Text())
	require.Equal(t, []ToolCall{{ID: "c1", Name: "attempt_completion", Arguments: json.RawMessage(`{"result":"ok"}`)}}, resp.ToolCalls())
}

func TestRequestValidate(t *testing.T) {
	call := Message{Role: RoleAssistant, Content: []ContentPart{ToolCallPart("c1", "load", nil)}}

	tests := []struct {
		name     string
		messages []Message
		wantErr  string
	}{
		{name: "empty", wantErr: "no messages"},
		{
			name:     "unknown role",
			messages: []Message{{Role: "narrator"}},
			wantErr:  `unknown role "narrator"`,
		},
		{
			name:     "orphan result",
			messages: []Message{UserMessage("hi"), ToolResultMessage("c9", "load", "x", false)},
			wantErr:  `answers unknown tool call "c9"`,
		},
		{
			name:     "result before call",
			messages: []Message{ToolResultMessage("c1", "load", "x", false), call},
			wantErr:  `answers unknown tool call "c1"`,
		},
		{
			name:     "paired",
			messages: []Message{SystemMessage("sys"), UserMessage("hi"), call, ToolResultMessage("c1", "load", "x", false)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Request{Model: "m", Messages: tt.messages}.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidRequest)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
