package agentloop

import (
	"encoding/json"
	"fmt"

	"github.com/martinemde/drowcoder/unifiedllm"
)

// Role discriminates between message kinds.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is a single function invocation requested by the model.
// Arguments holds the raw JSON text exactly as the model produced it.
type ToolCallRequest struct {
	ID           string `json:"id"`
	FunctionName string `json:"function_name"`
	Arguments    string `json:"arguments"`
}

// ToolResponse carries the tool-specific fields of a RoleTool message.
type ToolResponse struct {
	ToolCallID      string         `json:"tool_call_id"`
	ToolCallGroupID string         `json:"tool_call_group_id"`
	FunctionName    string         `json:"function_name"`
	Arguments       map[string]any `json:"arguments"`
	Success         bool           `json:"success"`
	CapturedLogs    string         `json:"captured_logs,omitempty"`
}

// Message is a single entry in the conversation history.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
	Tool      *ToolResponse     `json:"tool,omitempty"`
}

// SystemMessage creates a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage creates an assistant message with optional tool calls.
func AssistantMessage(content string, calls []ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolMessage creates a tool response message.
func ToolMessage(content string, resp ToolResponse) Message {
	return Message{Role: RoleTool, Content: content, Tool: &resp}
}

// HasToolCalls reports whether m is an assistant message requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ToolCallID returns the id answered by a tool message, or "".
func (m Message) ToolCallID() string {
	if m.Tool == nil {
		return ""
	}
	return m.Tool.ToolCallID
}

// GroupID returns the tool call group of a tool message, or "".
func (m Message) GroupID() string {
	if m.Tool == nil {
		return ""
	}
	return m.Tool.ToolCallGroupID
}

// clone returns a copy of m that shares no mutable state with it.
func (m Message) clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCallRequest, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	if m.Tool != nil {
		t := *m.Tool
		if m.Tool.Arguments != nil {
			t.Arguments = make(map[string]any, len(m.Tool.Arguments))
			for k, v := range m.Tool.Arguments {
				t.Arguments[k] = v
			}
		}
		out.Tool = &t
	}
	return out
}

// ValidateHistory checks that every assistant tool call is answered by
// exactly one tool message before the next assistant or user message, and
// that no tool message answers an unknown or already answered id.
func ValidateHistory(history []Message) error {
	pending := map[string]bool{}
	for i, msg := range history {
		switch msg.Role {
		case RoleTool:
			id := msg.ToolCallID()
			answered, ok := pending[id]
			if !ok {
				return fmt.Errorf("message %d: tool response %q has no matching tool call", i, id)
			}
			if answered {
				return fmt.Errorf("message %d: tool call %q answered more than once", i, id)
			}
			pending[id] = true
		case RoleAssistant, RoleUser:
			for id, answered := range pending {
				if !answered {
					return fmt.Errorf("message %d: tool call %q has no response", i, id)
				}
			}
			pending = map[string]bool{}
			for _, tc := range msg.ToolCalls {
				if _, dup := pending[tc.ID]; dup {
					return fmt.Errorf("message %d: duplicate tool call id %q", i, tc.ID)
				}
				pending[tc.ID] = false
			}
		}
	}
	for id, answered := range pending {
		if !answered {
			return fmt.Errorf("tool call %q has no response", id)
		}
	}
	return nil
}

// ToLLMMessages converts history into backend messages.
func ToLLMMessages(history []Message) []unifiedllm.Message {
	messages := make([]unifiedllm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, unifiedllm.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, unifiedllm.UserMessage(msg.Content))
		case RoleAssistant:
			m := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
			if msg.Content != "" {
				m.Content = append(m.Content, unifiedllm.TextPart(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				m.Content = append(m.Content,
					unifiedllm.ToolCallPart(tc.ID, tc.FunctionName, json.RawMessage(tc.Arguments)))
			}
			messages = append(messages, m)
		case RoleTool:
			var id, name string
			isError := false
			if msg.Tool != nil {
				id, name, isError = msg.Tool.ToolCallID, msg.Tool.FunctionName, !msg.Tool.Success
			}
			messages = append(messages, unifiedllm.ToolResultMessage(id, name, msg.Content, isError))
		}
	}
	return messages
}

// FromLLMResponse builds an assistant message from a backend response.
func FromLLMResponse(resp *unifiedllm.Response) Message {
	var calls []ToolCallRequest
	for _, tc := range resp.ToolCalls() {
		calls = append(calls, ToolCallRequest{
			ID:           tc.ID,
			FunctionName: tc.Name,
			Arguments:    string(tc.Arguments),
		})
	}
	return AssistantMessage(resp.Text(), calls)
}
