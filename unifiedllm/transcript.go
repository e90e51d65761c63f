package unifiedllm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	callOpen  = "<function_call>"
	callClose = "</function_call>"
)

// flattenTranscript renders messages as one prompt. System text is returned
// separately. Tool calls are written in the same <function_call> form the
// model is asked to answer with, so earlier calls read as examples.
func flattenTranscript(messages []Message) (system, body string) {
	var sys, out []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			sys = append(sys, m.Text())
		case RoleUser:
			out = append(out, "User: "+m.Text())
		case RoleAssistant:
			if text := m.Text(); text != "" {
				out = append(out, "Assistant: "+text)
			}
			for _, c := range m.ToolCalls() {
				out = append(out, encodeCall(c))
			}
		case RoleTool:
			for _, r := range m.ToolResults() {
				out = append(out, fmt.Sprintf("<tool_result id=%q name=%q error=\"%t\">\n%s\n</tool_result>",
					r.CallID, r.Name, r.IsError, r.Content))
			}
		}
	}
	body = strings.Join(out, "\n\n")
	if body == "" {
		body = "Continue."
	}
	return strings.TrimSpace(strings.Join(sys, "\n\n")), body
}

func encodeCall(c ToolCall) string {
	args := c.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	data, err := json.Marshal(ToolCall{ID: c.ID, Name: c.Name, Arguments: args})
	if err != nil {
		data = []byte(fmt.Sprintf(`{"id":%q,"name":%q,"arguments":{}}`, c.ID, c.Name))
	}
	return callOpen + string(data) + callClose
}

// extractToolCalls pulls tool calls out of generated text. It accepts
// <function_call> blocks anywhere in the text, or a trailing JSON payload
// of the form {"tool_calls":[...]} or [{...}]. The remaining prose is
// returned trimmed.
func extractToolCalls(text string) ([]ToolCall, string) {
	if calls, prose := extractBlocks(text); len(calls) > 0 {
		return calls, prose
	}
	if calls, prose := extractPayload(text); len(calls) > 0 {
		return calls, prose
	}
	return nil, strings.TrimSpace(text)
}

func extractBlocks(text string) ([]ToolCall, string) {
	var calls []ToolCall
	var prose strings.Builder
	for {
		start := strings.Index(text, callOpen)
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], callClose)
		if end < 0 {
			break
		}
		if c, ok := decodeCall([]byte(text[start+len(callOpen) : start+end])); ok {
			calls = append(calls, c)
		}
		prose.WriteString(text[:start])
		text = text[start+end+len(callClose):]
	}
	prose.WriteString(text)
	return calls, strings.TrimSpace(prose.String())
}

func extractPayload(text string) ([]ToolCall, string) {
	for _, marker := range []string{`{"tool_calls"`, `[{`} {
		idx := strings.Index(text, marker)
		if idx < 0 {
			continue
		}
		var raw []json.RawMessage
		dec := json.NewDecoder(strings.NewReader(text[idx:]))
		if marker[0] == '{' {
			var wrapper struct {
				ToolCalls []json.RawMessage `json:"tool_calls"`
			}
			if dec.Decode(&wrapper) != nil {
				continue
			}
			raw = wrapper.ToolCalls
		} else if dec.Decode(&raw) != nil {
			continue
		}

		var calls []ToolCall
		for _, r := range raw {
			if c, ok := decodeCall(r); ok {
				calls = append(calls, c)
			}
		}
		if len(calls) > 0 {
			return calls, strings.TrimSpace(text[:idx])
		}
	}
	return nil, ""
}

// decodeCall parses one call object. Arguments given as a JSON string are
// unwrapped; a missing id is generated.
func decodeCall(data []byte) (ToolCall, bool) {
	var c ToolCall
	if err := json.Unmarshal(bytes.TrimSpace(data), &c); err != nil || c.Name == "" {
		return ToolCall{}, false
	}
	args := bytes.TrimSpace(c.Arguments)
	if len(args) > 0 && args[0] == '"' {
		var s string
		if json.Unmarshal(args, &s) == nil {
			args = []byte(s)
		}
	}
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = []byte("{}")
	}
	c.Arguments = json.RawMessage(args)
	if c.ID == "" {
		c.ID = "call_" + uuid.NewString()[:8]
	}
	return c, true
}

// estimateInputTokens approximates prompt size at four bytes per token,
// never reporting less than one token.
func estimateInputTokens(messages []Message) int {
	n := 0
	for _, m := range messages {
		for _, p := range m.Content {
			switch {
			case p.Kind == ContentText:
				n += len(p.Text)
			case p.Call != nil:
				n += len(p.Call.Name) + len(p.Call.Arguments)
			case p.Result != nil:
				n += len(p.Result.Content)
			}
		}
	}
	if n < 4 {
		return 1
	}
	return n / 4
}
