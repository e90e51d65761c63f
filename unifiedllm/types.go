package unifiedllm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind tags the populated field of a ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers the ToolCall with the same id.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ContentPart is one piece of a message. Exactly one of Text, Call or
// Result is meaningful, selected by Kind.
type ContentPart struct {
	Kind   ContentKind `json:"kind"`
	Text   string      `json:"text,omitempty"`
	Call   *ToolCall   `json:"call,omitempty"`
	Result *ToolResult `json:"result,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{Kind: ContentToolCall, Call: &ToolCall{ID: id, Name: name, Arguments: args}}
}

func ToolResultPart(callID, name, content string, isError bool) ContentPart {
	return ContentPart{
		Kind:   ContentToolResult,
		Result: &ToolResult{CallID: callID, Name: name, Content: content, IsError: isError},
	}
}

// Message is a single transcript entry.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

func ToolResultMessage(callID, name, content string, isError bool) Message {
	return Message{Role: RoleTool, Content: []ContentPart{ToolResultPart(callID, name, content, isError)}}
}

// Text joins the message's text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Kind == ContentText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the calls carried by the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Content {
		if p.Kind == ContentToolCall && p.Call != nil {
			calls = append(calls, *p.Call)
		}
	}
	return calls
}

// ToolResults returns the results carried by the message, in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Content {
		if p.Kind == ContentToolResult && p.Result != nil {
			results = append(results, *p.Result)
		}
	}
	return results
}

// ToolDefinition is the model-facing description of a tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolChoice is a provider tool selection mode.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// FinishReason describes why the model stopped producing output.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the field-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Request is one model call: the full (already pruned) transcript plus the
// tools the model may call.
type Request struct {
	Model       string           `json:"model"`
	Provider    string           `json:"provider,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  ToolChoice       `json:"tool_choice,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// ErrInvalidRequest marks requests rejected before reaching a provider.
var ErrInvalidRequest = errors.New("invalid request")

// Validate checks that the transcript is non-empty and that every tool
// result answers a call made earlier in the transcript.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	calls := map[string]bool{}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidRequest, i, m.Role)
		}
		for _, c := range m.ToolCalls() {
			calls[c.ID] = true
		}
		for _, res := range m.ToolResults() {
			if !calls[res.CallID] {
				return fmt.Errorf("%w: message %d answers unknown tool call %q", ErrInvalidRequest, i, res.CallID)
			}
		}
	}
	return nil
}

// Response is the model's reply to a Request.
type Response struct {
	ID           string         `json:"id"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Message      Message        `json:"message"`
	FinishReason FinishReason   `json:"finish_reason"`
	Usage        Usage          `json:"usage"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// Text returns the reply's text.
func (r Response) Text() string {
	return r.Message.Text()
}

// ToolCalls returns the calls requested by the reply.
func (r Response) ToolCalls() []ToolCall {
	return r.Message.ToolCalls()
}
