package unifiedllm

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlattenTranscript(t *testing.T) {
	system, body := flattenTranscript([]Message{
		SystemMessage("You are drowcoder."),
		SystemMessage("Be brief."),
		UserMessage("read main.go"),
		{Role: RoleAssistant, Content: []ContentPart{
			TextPart("Reading it."),
			ToolCallPart("c1", "load", json.RawMessage(`{"file_path":"main.go"}`)),
		}},
		ToolResultMessage("c1", "load", "package main", false),
	})

	require.Equal(t, "You are drowcoder.\n\nBe brief.", system)
	require.Equal(t, strings.Join([]string{
		"User: read main.go",
		"Assistant: Reading it.",
		`<function_call>{"id":"c1","name":"load","arguments":{"file_path":"main.go"}}</function_call>`,
		"<tool_result id=\"c1\" name=\"load\" error=\"false\">\npackage main\n</tool_result>",
	}, "\n\n"), body)
}

func TestFlattenTranscriptEmptyBody(t *testing.T) {
	_, body := flattenTranscript([]Message{SystemMessage("sys")})
	require.Equal(t, "Continue.", body)
}

func TestEncodeCallRoundTrip(t *testing.T) {
	text := "ok " + encodeCall(ToolCall{ID: "c7", Name: "write"})
	calls, prose := extractToolCalls(text)
	require.Equal(t, "ok", prose)
	require.Equal(t, []ToolCall{{ID: "c7", Name: "write", Arguments: json.RawMessage("{}")}}, calls)
}

func TestExtractToolCalls(t *testing.T) {
	t.Run("blocks", func(t *testing.T) {
		text := "First.\n<function_call>{\"id\":\"a\",\"name\":\"load\",\"arguments\":{\"file_path\":\"x\"}}</function_call>\n" +
			"<function_call>{\"name\":\"search\",\"arguments\":\"{\\\"content_pattern\\\":\\\"TODO\\\"}\"}</function_call>\nDone."
		calls, prose := extractToolCalls(text)
		require.Len(t, calls, 2)
		require.Equal(t, "a", calls[0].ID)
		require.JSONEq(t, `{"file_path":"x"}`, string(calls[0].Arguments))
		require.Equal(t, "search", calls[1].Name)
		require.True(t, strings.HasPrefix(calls[1].ID, "call_"))
		require.JSONEq(t, `{"content_pattern":"TODO"}`, string(calls[1].Arguments))
		require.Equal(t, "First.\n\n\nDone.", prose)
	})

	t.Run("tool_calls payload", func(t *testing.T) {
		calls, prose := extractToolCalls(`Sure. {"tool_calls":[{"id":"b","name":"execute_command","arguments":{"command":"ls"}}]}`)
		require.Equal(t, "Sure.", prose)
		require.Len(t, calls, 1)
		require.Equal(t, "execute_command", calls[0].Name)
	})

	t.Run("bare array", func(t *testing.T) {
		calls, _ := extractToolCalls(`[{"name":"todo_read","arguments":null}]`)
		require.Len(t, calls, 1)
		require.Equal(t, json.RawMessage("{}"), calls[0].Arguments)
	})

	t.Run("plain text", func(t *testing.T) {
		calls, prose := extractToolCalls("  All done, nothing to run.  ")
		require.Empty(t, calls)
		require.Equal(t, "All done, nothing to run.", prose)
	})

	t.Run("block without name is dropped", func(t *testing.T) {
		calls, prose := extractToolCalls(`<function_call>{"id":"x"}</function_call>`)
		require.Empty(t, calls)
		require.Equal(t, `<function_call>{"id":"x"}</function_call>`, prose)
	})
}

func TestEstimateInputTokens(t *testing.T) {
	require.Equal(t, 1, estimateInputTokens(nil))
	require.Equal(t, 3, estimateInputTokens([]Message{
		UserMessage("12345678"),
		ToolResultMessage("c", "load", "abcd", false),
	}))
}

func TestGollmAdapterResponse(t *testing.T) {
	a := &GollmAdapter{provider: "openai", model: "gpt-4o-mini"}
	req := Request{Messages: []Message{UserMessage("0123456789abcdef")}}

	resp := a.response(req, `On it. <function_call>{"id":"c1","name":"load","arguments":{}}</function_call>`)
	require.Equal(t, "gpt-4o-mini", resp.Model)
	require.Equal(t, "openai", resp.Provider)
	require.Equal(t, FinishToolCalls, resp.FinishReason)
	require.Equal(t, "On it.", resp.Text())
	require.Len(t, resp.ToolCalls(), 1)
	require.Equal(t, 4, resp.Usage.InputTokens)
	require.Equal(t, resp.Usage.InputTokens+resp.Usage.OutputTokens, resp.Usage.TotalTokens)
	require.True(t, strings.HasPrefix(resp.ID, "resp_"))
	require.Contains(t, resp.Raw["text"], "function_call")

	req.Model = "gpt-4.1"
	plain := a.response(req, "")
	require.Equal(t, "gpt-4.1", plain.Model)
	require.Equal(t, FinishStop, plain.FinishReason)
	require.Len(t, plain.Message.Content, 1)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg    string
		kind   ErrorKind
		status int
	}{
		{"HTTP 401 Unauthorized", KindAuthentication, 401},
		{"Invalid API key provided", KindAuthentication, 401},
		{"403 forbidden", KindPermission, 403},
		{"429: rate limit exceeded", KindRateLimit, 429},
		{"maximum context length is 8192 tokens", KindContextLength, 413},
		{"model not found", KindNotFound, 404},
		{"503 service overloaded", KindServer, 500},
		{"i/o timeout", KindTimeout, 0},
		{"blocked by safety system", KindContentFilter, 0},
		{"dial tcp: connection refused", KindNetwork, 0},
		{"400 bad request", KindInvalidRequest, 400},
		{"something odd", KindUnknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			cause := errors.New(tt.msg)
			err := classifyError("openai", cause)
			require.Equal(t, tt.kind, err.Kind)
			require.Equal(t, tt.status, err.Status)
			require.Equal(t, "openai", err.Provider)
			require.ErrorIs(t, err, cause)
		})
	}
}
