package tools

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects how a Response is rendered into message content.
type Format string

const (
	// FormatText is YAML of the non-empty fields, without metadata.
	FormatText Format = "text"
	// FormatDebug is FormatText plus metadata.
	FormatDebug Format = "debug"
	// FormatObject is the complete response as JSON.
	FormatObject Format = "object"
)

// Response is the uniform result of every builtin tool.
type Response struct {
	ToolName string         `json:"tool_name" yaml:"tool_name"`
	Success  bool           `json:"success" yaml:"success"`
	Content  any            `json:"content,omitempty" yaml:"content,omitempty"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func succeed(tool string, content any, meta map[string]any) *Response {
	return &Response{ToolName: tool, Success: true, Content: content, Metadata: meta}
}

func fail(tool, msg string, meta map[string]any) *Response {
	return &Response{ToolName: tool, Success: false, Error: msg, Metadata: meta}
}

// Succeeded reports whether the tool finished its task.
func (r *Response) Succeeded() bool { return r != nil && r.Success }

// Dump renders the response in the given format.
func (r *Response) Dump(format Format) (string, error) {
	switch format {
	case FormatObject:
		data, err := json.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("dump response: %w", err)
		}
		return string(data), nil
	case FormatText, FormatDebug, "":
		return r.dumpYAML(format == FormatDebug)
	default:
		return "", fmt.Errorf("invalid format %q: must be one of debug, object, text", format)
	}
}

// String returns the text form. A nil response renders as "".
func (r *Response) String() string {
	if r == nil {
		return ""
	}
	s, err := r.Dump(FormatText)
	if err != nil {
		return fmt.Sprintf("tool_name: %s\nsuccess: %v\nerror: %v", r.ToolName, r.Success, err)
	}
	return s
}

func (r *Response) dumpYAML(withMetadata bool) (string, error) {
	var doc yaml.Node
	doc.Kind = yaml.MappingNode

	add := func(key string, value any) error {
		var v yaml.Node
		if err := v.Encode(value); err != nil {
			return err
		}
		if s, ok := value.(string); ok && strings.Contains(s, "\n") {
			v.Style = yaml.LiteralStyle
		}
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &v)
		return nil
	}

	fields := []struct {
		key   string
		value any
	}{
		{"tool_name", r.ToolName},
		{"success", r.Success},
		{"content", r.Content},
		{"error", r.Error},
	}
	if withMetadata {
		fields = append(fields, struct {
			key   string
			value any
		}{"metadata", r.Metadata})
	}
	for _, f := range fields {
		if f.key != "success" && isEmpty(f.value) {
			continue
		}
		if err := add(f.key, f.value); err != nil {
			return "", fmt.Errorf("dump response %s: %w", f.key, err)
		}
	}

	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("dump response: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("dump response: %w", err)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
