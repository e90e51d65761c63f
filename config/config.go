package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "./config.yaml"

// Render styles accepted by render.style.
var RenderStyles = []string{"simple", "compact", "pretty", "rich_pretty"}

// Config describes the top-level application configuration loaded from YAML and ENV.
type Config struct {
	Models     []ModelConfig              `mapstructure:"models" yaml:"models"`
	Tools      []map[string]any           `mapstructure:"tools" yaml:"tools,omitempty"`
	ToolsFile  string                     `mapstructure:"tools_file" yaml:"tools_file,omitempty"`
	MCPServers map[string]MCPServerConfig `mapstructure:"-" yaml:"mcp_servers,omitempty"`
	MCPFile    string                     `mapstructure:"mcp_file" yaml:"mcp_file,omitempty"`
	Workspace  string                     `mapstructure:"workspace" yaml:"workspace,omitempty"`
	Agent      AgentConfig                `mapstructure:"agent" yaml:"agent"`
	Checkpoint CheckpointConfig           `mapstructure:"checkpoint" yaml:"checkpoint"`
	Logging    LoggingConfig              `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig              `mapstructure:"metrics" yaml:"metrics"`
	Render     RenderConfig               `mapstructure:"render" yaml:"render"`
}

// ModelConfig binds a logical model name to a provider and model parameters.
type ModelConfig struct {
	Name        string   `mapstructure:"name" yaml:"name,omitempty"`
	Provider    string   `mapstructure:"provider" yaml:"provider,omitempty"` // openai, anthropic, ollama, ...
	Model       string   `mapstructure:"model" yaml:"model"`                 // "gpt-4o" or "openai/gpt-4o"
	APIKey      string   `mapstructure:"api_key" yaml:"api_key,omitempty"`   // ${VAR} is expanded
	Temperature *float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	MaxTokens   int      `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	MaxRetries  int      `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
	// PostCompletion is sent as a follow-up user turn after each completed turn.
	PostCompletion string `mapstructure:"post_completion" yaml:"post_completion,omitempty"`
}

// AgentConfig controls the conversation loop.
type AgentConfig struct {
	MaxIterations           int      `mapstructure:"max_iterations" yaml:"max_iterations"`
	KeepLastKToolCallGroups int      `mapstructure:"keep_last_k_tool_call_groups" yaml:"keep_last_k_tool_call_groups"`
	AutoStopOnCompletion    bool     `mapstructure:"auto_stop_on_completion" yaml:"auto_stop_on_completion"`
	ParallelToolCalls       bool     `mapstructure:"parallel_tool_calls" yaml:"parallel_tool_calls"`
	EnableLoopDetection     bool     `mapstructure:"enable_loop_detection" yaml:"enable_loop_detection"`
	LoopDetectionWindow     int      `mapstructure:"loop_detection_window" yaml:"loop_detection_window"`
	TruncateToolOutput      bool     `mapstructure:"truncate_tool_output" yaml:"truncate_tool_output"`
	RulePaths               []string `mapstructure:"rule_paths" yaml:"rule_paths,omitempty"`
	UserInstructions        string   `mapstructure:"user_instructions" yaml:"user_instructions,omitempty"`
}

// CheckpointConfig controls where session checkpoints are written.
type CheckpointConfig struct {
	Root        string `mapstructure:"root" yaml:"root"`
	ForceReinit bool   `mapstructure:"force_reinit" yaml:"force_reinit"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // console or json
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`
}

// RenderConfig selects the console presentation.
type RenderConfig struct {
	Style string `mapstructure:"style" yaml:"style"`
}

// Load reads configuration from path, defaulting to ./config.yaml.
// Environment variables override file values (prefix: DROWCODER_, dots replaced with underscores).
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DROWCODER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	for i := range cfg.Models {
		cfg.Models[i].APIKey = os.ExpandEnv(cfg.Models[i].APIKey)
	}
	if cfg.ToolsFile != "" && !filepath.IsAbs(cfg.ToolsFile) {
		cfg.ToolsFile = filepath.Join(filepath.Dir(path), cfg.ToolsFile)
	}
	if err := cfg.loadMCPServers(path); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults populates sensible defaults for optional fields.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.max_iterations", 50)
	v.SetDefault("agent.keep_last_k_tool_call_groups", 5)
	v.SetDefault("agent.auto_stop_on_completion", false)
	v.SetDefault("agent.parallel_tool_calls", false)
	v.SetDefault("agent.enable_loop_detection", true)
	v.SetDefault("agent.loop_detection_window", 10)
	v.SetDefault("agent.truncate_tool_output", false)

	v.SetDefault("checkpoint.root", "./checkpoints")
	v.SetDefault("checkpoint.force_reinit", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.addr", "")
	v.SetDefault("render.style", "pretty")
}

// Validate performs basic sanity checks on configuration values.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return errors.New("'models' must be a non-empty list")
	}
	for i, m := range c.Models {
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("model %d missing 'model' field", i)
		}
		provider, _ := m.ProviderAndModel()
		if strings.TrimSpace(m.APIKey) == "" && provider != "ollama" {
			return fmt.Errorf("model %d missing 'api_key' field", i)
		}
		if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2) {
			return fmt.Errorf("model %d temperature must be within [0,2]", i)
		}
		if m.MaxTokens < 0 {
			return fmt.Errorf("model %d max_tokens cannot be negative", i)
		}
		if m.MaxRetries < 0 {
			return fmt.Errorf("model %d max_retries cannot be negative", i)
		}
	}

	if c.Agent.MaxIterations <= 0 {
		return errors.New("agent.max_iterations must be > 0")
	}
	if c.Agent.EnableLoopDetection && c.Agent.LoopDetectionWindow < 2 {
		return errors.New("agent.loop_detection_window must be >= 2 when loop detection is enabled")
	}
	if strings.TrimSpace(c.Checkpoint.Root) == "" {
		return errors.New("checkpoint.root must be set")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console or json, got %q", c.Logging.Format)
	}
	if !contains(RenderStyles, c.Render.Style) {
		return fmt.Errorf("render.style must be one of %s, got %q", strings.Join(RenderStyles, ", "), c.Render.Style)
	}

	for i, entry := range c.Tools {
		if typ, _ := entry["type"].(string); typ != "function" {
			return fmt.Errorf("tools[%d]: type must be \"function\"", i)
		}
	}
	for name, s := range c.MCPServers {
		if err := s.validate(name); err != nil {
			return err
		}
	}
	return nil
}

// SelectModel returns the model whose name or model id equals name, or the
// first model when name is empty.
func (c *Config) SelectModel(name string) (ModelConfig, error) {
	if len(c.Models) == 0 {
		return ModelConfig{}, errors.New("no models configured")
	}
	if name == "" {
		return c.Models[0], nil
	}
	for _, m := range c.Models {
		if m.Name == name || m.Model == name {
			return m, nil
		}
	}
	return ModelConfig{}, fmt.Errorf("model %q not found in config", name)
}

// ProviderAndModel splits a "provider/model" id when Provider is unset.
// The provider defaults to openai.
func (m ModelConfig) ProviderAndModel() (string, string) {
	if m.Provider != "" {
		return strings.ToLower(m.Provider), m.Model
	}
	if provider, model, ok := strings.Cut(m.Model, "/"); ok && provider != "" && model != "" {
		return strings.ToLower(provider), model
	}
	return "openai", m.Model
}

// Install validates the config at src and copies it to dst as YAML.
func Install(src, dst string) error {
	if _, err := Load(src); err != nil {
		return err
	}
	doc, err := readDocument(src)
	if err != nil {
		return err
	}
	return writeDocument(dst, doc)
}

// SetValue assigns value to the dotted key in the config file at path.
// Numeric segments index into lists, as in models.0.api_key. The value is
// parsed as a YAML scalar, so "12" becomes a number. The file is restored
// when the result does not validate.
func SetValue(path, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key must not be empty")
	}
	original, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	doc, err := readDocument(path)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	updated, err := setPath(doc, strings.Split(key, "."), parsed)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := writeDocument(path, updated); err != nil {
		return err
	}
	if _, err := Load(path); err != nil {
		if restoreErr := os.WriteFile(path, original, 0o644); restoreErr != nil {
			return fmt.Errorf("%w (restore failed: %v)", err, restoreErr)
		}
		return err
	}
	return nil
}

func setPath(node any, parts []string, value any) (any, error) {
	if len(parts) == 0 {
		return value, nil
	}
	head, rest := parts[0], parts[1:]
	switch n := node.(type) {
	case map[string]any:
		child, err := setPath(n[head], rest, value)
		if err != nil {
			return nil, err
		}
		n[head] = child
		return n, nil
	case []any:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx > len(n) {
			return nil, fmt.Errorf("index %q out of range for list of %d", head, len(n))
		}
		if idx == len(n) {
			n = append(n, nil)
		}
		child, err := setPath(n[idx], rest, value)
		if err != nil {
			return nil, err
		}
		n[idx] = child
		return n, nil
	case nil:
		if idx, err := strconv.Atoi(head); err == nil && idx == 0 {
			return setPath([]any{nil}, parts, value)
		}
		return setPath(map[string]any{}, parts, value)
	default:
		return nil, fmt.Errorf("%q is not a map or list", head)
	}
}

func writeDocument(path string, doc any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data, err = json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// UserPath returns ~/.drowcoder/config.yaml.
func UserPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".drowcoder", "config.yaml"), nil
}

// Editor returns the command used to edit config files: $EDITOR, then
// $VISUAL, then notepad on Windows and vim elsewhere. The value is split on
// whitespace so "code --wait" works.
func Editor() []string {
	for _, key := range []string{"EDITOR", "VISUAL"} {
		if fields := strings.Fields(os.Getenv(key)); len(fields) > 0 {
			return fields
		}
	}
	if runtime.GOOS == "windows" {
		return []string{"notepad"}
	}
	return []string{"vim"}
}

// readDocument decodes the raw file so Set keeps keys viper does not know.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &doc)
	default:
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return doc, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
