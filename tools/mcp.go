package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
)

// MCPServer describes one MCP tool server. Command selects the stdio
// transport and URL the streamable HTTP transport; exactly one is set.
type MCPServer struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	URL     string
	Headers map[string]string
}

// Validate reports a server that names no transport or both.
func (s MCPServer) Validate() error {
	hasCommand, hasURL := strings.TrimSpace(s.Command) != "", strings.TrimSpace(s.URL) != ""
	switch {
	case hasCommand && hasURL:
		return fmt.Errorf("mcp server %q has both 'url' and 'command'", s.Name)
	case !hasCommand && !hasURL:
		return fmt.Errorf("mcp server %q needs 'url' or 'command'", s.Name)
	}
	return nil
}

// mcpTransport builds the client transport for a server. Tests swap it for
// an in-memory transport.
var mcpTransport = buildMCPTransport

func buildMCPTransport(ctx context.Context, s MCPServer) (mcpsdk.Transport, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.URL != "" {
		t := &mcpsdk.StreamableClientTransport{Endpoint: s.URL}
		if len(s.Headers) > 0 {
			t.HTTPClient = &http.Client{Transport: headerTransport{headers: s.Headers, base: http.DefaultTransport}}
		}
		return t, nil
	}
	// #nosec G204 -- command comes from the user's own MCP config
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range s.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (h headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.base.RoundTrip(req)
}

// MCPTools owns the sessions of connected MCP servers.
type MCPTools struct {
	sessions map[string]*mcpsdk.ClientSession
	logger   *zap.Logger
}

// ConnectMCP connects to every server, lists its tools and registers each
// one in reg. MCP tools replace registered tools of the same name. A server
// that cannot be reached is logged and skipped. Servers are visited in name
// order, so a later server wins a name clash between servers.
func ConnectMCP(ctx context.Context, reg *agentloop.ToolRegistry, servers []MCPServer, logger *zap.Logger) (*MCPTools, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MCPTools{sessions: map[string]*mcpsdk.ClientSession{}, logger: logger}
	if len(servers) == 0 {
		return m, nil
	}

	sorted := append([]MCPServer(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "drowcoder", Version: "dev"}, nil)
	for _, s := range sorted {
		if err := s.Validate(); err != nil {
			return m, err
		}
		log := logger.With(zap.String("mcp_server", s.Name))
		transport, err := mcpTransport(ctx, s)
		if err != nil {
			log.Warn("mcp server skipped", zap.Error(err))
			continue
		}
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			log.Warn("mcp server skipped", zap.Error(err))
			continue
		}
		descs, err := listMCPTools(ctx, s.Name, session)
		if err != nil {
			_ = session.Close()
			log.Warn("mcp server skipped", zap.Error(err))
			continue
		}
		m.sessions[s.Name] = session
		for _, d := range descs {
			if _, exists := reg.Get(d.Name); exists {
				log.Warn("mcp tool overrides existing tool", zap.String("tool", d.Name))
			}
			reg.Register(d)
		}
		log.Info("mcp server connected", zap.Int("tools", len(descs)))
	}
	return m, nil
}

func listMCPTools(ctx context.Context, server string, session *mcpsdk.ClientSession) ([]agentloop.ToolDescriptor, error) {
	var out []agentloop.ToolDescriptor
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		if tool == nil || tool.Name == "" {
			continue
		}
		h := mcpHandler{server: server, tool: tool.Name, session: session}
		out = append(out, agentloop.NewToolDescriptor(tool.Name, tool.Description, mcpSchema(tool.InputSchema), h))
	}
	return out, nil
}

// mcpSchema converts a tool's input schema to the registry's parameter map.
func mcpSchema(schema any) map[string]any {
	empty := map[string]any{"type": "object", "properties": map[string]any{}}
	switch v := schema.(type) {
	case nil:
		return empty
	case map[string]any:
		return v
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return empty
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return empty
	}
	return out
}

// Servers lists the connected server names.
func (m *MCPTools) Servers() []string {
	names := make([]string, 0, len(m.sessions))
	for n := range m.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close ends every session.
func (m *MCPTools) Close() error {
	if m == nil {
		return nil
	}
	var errs []error
	for name, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp server %s: %w", name, err))
		}
	}
	m.sessions = map[string]*mcpsdk.ClientSession{}
	return errors.Join(errs...)
}

// mcpHandler forwards a call to one server tool.
type mcpHandler struct {
	server  string
	tool    string
	session *mcpsdk.ClientSession
}

func (h mcpHandler) Invoke(ctx context.Context, args map[string]any) (any, error) {
	res, err := h.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: h.tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", h.server, err)
	}
	text := mcpText(res.Content)
	meta := map[string]any{"mcp_server": h.server}
	if res.IsError {
		return fail(h.tool, text, meta), nil
	}
	return succeed(h.tool, text, meta), nil
}

// mcpText joins text parts; other content kinds are rendered as JSON.
func mcpText(content []mcpsdk.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if t, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, t.Text)
			continue
		}
		data, err := json.Marshal(c)
		if err != nil {
			parts = append(parts, fmt.Sprint(c))
			continue
		}
		parts = append(parts, string(data))
	}
	return strings.Join(parts, "\n")
}
