package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MCPServerConfig is one entry of mcp_servers, or of the mcpServers map in
// an mcp_file. Command starts a stdio server; URL reaches a streamable HTTP
// server.
type MCPServerConfig struct {
	Command  string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args     []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd      string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	URL      string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Disabled bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

func (s MCPServerConfig) validate(name string) error {
	hasCommand, hasURL := strings.TrimSpace(s.Command) != "", strings.TrimSpace(s.URL) != ""
	switch {
	case hasCommand && hasURL:
		return fmt.Errorf("mcp server %q has both 'url' and 'command'", name)
	case !hasCommand && !hasURL:
		return fmt.Errorf("mcp server %q needs 'url' or 'command'", name)
	}
	return nil
}

// EnabledMCPServers returns the names of servers that are not disabled,
// sorted.
func (c *Config) EnabledMCPServers() []string {
	var names []string
	for name, s := range c.MCPServers {
		if !s.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LoadMCPFile reads the mcpServers map from a JSON or YAML file in the
// format shared by most MCP clients:
//
//	{"mcpServers": {"fs": {"command": "npx", "args": ["-y", "server-filesystem"]}}}
func LoadMCPFile(path string) (map[string]MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp file: %w", err)
	}
	var doc struct {
		Servers map[string]MCPServerConfig `yaml:"mcpServers" json:"mcpServers"`
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("mcp file %s: unsupported extension (want .json, .yaml or .yml)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse mcp file %s: %w", path, err)
	}
	return doc.Servers, nil
}

// loadMCPServers fills MCPServers from mcp_file and then from the inline
// mcp_servers block, which wins on a name clash. The inline block is decoded
// from the raw document because viper folds map keys to lower case, which
// would break environment variable names.
func (c *Config) loadMCPServers(path string) error {
	servers := map[string]MCPServerConfig{}
	if c.MCPFile != "" {
		if !filepath.IsAbs(c.MCPFile) {
			c.MCPFile = filepath.Join(filepath.Dir(path), c.MCPFile)
		}
		fromFile, err := LoadMCPFile(c.MCPFile)
		if err != nil {
			return err
		}
		for name, s := range fromFile {
			servers[name] = s
		}
	}

	doc, err := readDocument(path)
	if err != nil {
		return err
	}
	if raw, ok := doc["mcp_servers"]; ok && raw != nil {
		data, err := yaml.Marshal(raw)
		if err != nil {
			return fmt.Errorf("mcp_servers: %w", err)
		}
		var inline map[string]MCPServerConfig
		if err := yaml.Unmarshal(data, &inline); err != nil {
			return fmt.Errorf("mcp_servers: %w", err)
		}
		for name, s := range inline {
			servers[name] = s
		}
	}
	for name, s := range servers {
		s.Env = expandValues(s.Env)
		s.Headers = expandValues(s.Headers)
		servers[name] = s
	}
	if len(servers) > 0 {
		c.MCPServers = servers
	}
	return nil
}

func expandValues(m map[string]string) map[string]string {
	for k, v := range m {
		m[k] = os.ExpandEnv(v)
	}
	return m
}
