// Package render presents conversation messages on the console.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/martinemde/drowcoder/agentloop"
)

// Style selects how messages are drawn.
type Style string

const (
	StyleSimple     Style = "simple"
	StyleCompact    Style = "compact"
	StylePretty     Style = "pretty"
	StyleRichPretty Style = "rich_pretty"
)

// ParseStyle validates a style name. An empty name selects pretty.
func ParseStyle(name string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(name))) {
	case "", StylePretty:
		return StylePretty, nil
	case StyleSimple:
		return StyleSimple, nil
	case StyleCompact:
		return StyleCompact, nil
	case StyleRichPretty:
		return StyleRichPretty, nil
	}
	return "", fmt.Errorf("invalid verbose style %q: must be one of simple, compact, pretty, rich_pretty", name)
}

const (
	compactWidth   = 120
	toolOutputMax  = 2000
	toolOutputRows = 40
	argValueMax    = 200
)

// Renderer writes each appended message once, in the order received.
type Renderer struct {
	out   io.Writer
	style Style
	mu    sync.Mutex
}

// New creates a renderer writing to out.
func New(out io.Writer, style Style) *Renderer {
	if style == "" {
		style = StylePretty
	}
	return &Renderer{out: out, style: style}
}

// Style returns the active style.
func (r *Renderer) Style() Style { return r.style }

// RenderMessage implements agentloop.Renderer.
func (r *Renderer) RenderMessage(msg agentloop.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var text string
	switch r.style {
	case StyleSimple:
		text = simple(msg)
	case StyleCompact:
		text = compact(msg)
	case StyleRichPretty:
		text = pretty(msg, true)
	default:
		text = pretty(msg, false)
	}
	if text == "" {
		return
	}
	fmt.Fprint(r.out, text)
}

func simple(msg agentloop.Message) string {
	var sb strings.Builder
	switch msg.Role {
	case agentloop.RoleSystem:
		return ""
	case agentloop.RoleTool:
		fmt.Fprintf(&sb, "[tool %s] %s\n", toolName(msg), msg.Content)
	default:
		if msg.Content != "" {
			fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&sb, "[%s] calling %s(%s)\n", msg.Role, tc.FunctionName, tc.Arguments)
		}
	}
	return sb.String()
}

func compact(msg agentloop.Message) string {
	switch msg.Role {
	case agentloop.RoleSystem:
		return ""
	case agentloop.RoleTool:
		mark := "ok"
		if msg.Tool != nil && !msg.Tool.Success {
			mark = "failed"
		}
		return fmt.Sprintf("tool %s %s: %s\n", toolName(msg), mark, oneLine(msg.Content, compactWidth))
	case agentloop.RoleAssistant:
		var sb strings.Builder
		if msg.Content != "" {
			fmt.Fprintf(&sb, "assistant: %s\n", oneLine(msg.Content, compactWidth))
		}
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&sb, "assistant -> %s %s\n", tc.FunctionName, oneLine(tc.Arguments, compactWidth))
		}
		return sb.String()
	default:
		return fmt.Sprintf("%s: %s\n", msg.Role, oneLine(msg.Content, compactWidth))
	}
}

func pretty(msg agentloop.Message, rich bool) string {
	switch msg.Role {
	case agentloop.RoleSystem:
		return ""
	case agentloop.RoleUser:
		return box("User", msg.Content)
	case agentloop.RoleTool:
		status := "✓"
		if msg.Tool != nil && !msg.Tool.Success {
			status = "✗"
		}
		var body strings.Builder
		if msg.Tool != nil && len(msg.Tool.Arguments) > 0 {
			body.WriteString(formatArgs(msg.Tool.Arguments))
			body.WriteString("\n")
		}
		out := agentloop.TruncateOutput(msg.Content, toolOutputMax, agentloop.TruncateHeadTail)
		body.WriteString(agentloop.TruncateLines(out, toolOutputRows))
		return box(fmt.Sprintf("Tool %s %s", toolName(msg), status), body.String())
	default:
		var sb strings.Builder
		if msg.Content != "" {
			content := msg.Content
			if rich {
				content = Markdown(content)
			}
			sb.WriteString(box("Assistant", content))
		}
		for _, tc := range msg.ToolCalls {
			sb.WriteString(box("Call "+tc.FunctionName, prettyJSON(tc.Arguments)))
		}
		return sb.String()
	}
}

func box(title, body string) string {
	var sb strings.Builder
	sb.WriteString("╭─ " + title + " " + strings.Repeat("─", max(4, 40-len(title))) + "\n")
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		sb.WriteString("│ " + line + "\n")
	}
	sb.WriteString("╰" + strings.Repeat("─", 44) + "\n")
	return sb.String()
}

func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := args[k].(type) {
		case string:
			v = val
		default:
			data, _ := json.Marshal(val)
			v = string(data)
		}
		lines = append(lines, fmt.Sprintf("%s: %s", k, oneLine(v, argValueMax)))
	}
	return strings.Join(lines, "\n")
}

func prettyJSON(raw string) string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return string(data)
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}

func toolName(msg agentloop.Message) string {
	if msg.Tool == nil {
		return "?"
	}
	return msg.Tool.FunctionName
}
