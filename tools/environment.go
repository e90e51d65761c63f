package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ShellPolicy selects the shell used to run commands and the tokenizer used
// to validate them.
type ShellPolicy string

const (
	ShellAuto       ShellPolicy = "auto"
	ShellUnix       ShellPolicy = "unix"
	ShellPowerShell ShellPolicy = "powershell"
)

// resolve maps auto onto the platform default.
func (p ShellPolicy) resolve() ShellPolicy {
	switch p {
	case ShellUnix, ShellPowerShell:
		return p
	}
	if runtime.GOOS == "windows" {
		return ShellPowerShell
	}
	return ShellUnix
}

// ParseShellPolicy validates a shell_policy argument. Empty means auto.
func ParseShellPolicy(s string) (ShellPolicy, error) {
	switch p := ShellPolicy(strings.ToLower(s)); p {
	case "", ShellAuto:
		return ShellAuto, nil
	case ShellUnix, ShellPowerShell:
		return p, nil
	default:
		return "", fmt.Errorf("invalid shell_policy %q: must be one of auto, unix, powershell", s)
	}
}

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command    string `json:"command" yaml:"command"`
	Cwd        string `json:"cwd" yaml:"cwd"`
	ExitCode   int    `json:"exit_code" yaml:"exit_code"`
	Output     string `json:"output" yaml:"output"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	PID        int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	DurationMs int64  `json:"duration_ms" yaml:"duration_ms"`
	TimedOut   bool   `json:"timed_out" yaml:"timed_out"`
}

// CommandSpec describes one command run.
type CommandSpec struct {
	Command string
	Dir     string
	Timeout time.Duration // zero means unbounded
	Env     map[string]string
	Policy  ShellPolicy
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that are not passed to commands.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always passed through.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"NVM_DIR": true, "RUSTUP_HOME": true, "PYENV_ROOT": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns the process environment without sensitive
// variables.
func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// Environment is the local workspace the tools operate on.
type Environment struct {
	workingDir string
	platform   string
	osVersion  string
	shell      string
}

// NewEnvironment returns an environment rooted at workingDir, which must
// be an existing directory. Empty means the current directory.
func NewEnvironment(workingDir string) (*Environment, error) {
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workingDir = wd
	}
	abs, err := filepath.Abs(expandPath(workingDir))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", workingDir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}
	return &Environment{
		workingDir: abs,
		platform:   runtime.GOOS,
		osVersion:  runtime.GOOS + "/" + runtime.GOARCH,
		shell:      defaultShell(),
	}, nil
}

func (e *Environment) WorkingDirectory() string { return e.workingDir }

func (e *Environment) Platform() string { return e.platform }

func (e *Environment) OSVersion() string { return e.osVersion }

// Shell returns the shell used for unix-policy commands.
func (e *Environment) Shell() string { return e.shell }

// Resolve returns an absolute, cleaned form of path. Relative paths are
// joined to the working directory. With expand, ~ and $VAR are expanded
// first.
func (e *Environment) Resolve(path string, expand bool) string {
	if expand {
		path = expandPath(path)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.workingDir, path)
	}
	return filepath.Clean(path)
}

// Rel returns path relative to the working directory when it lies inside
// it, or path unchanged.
func (e *Environment) Rel(path string) string {
	rel, err := filepath.Rel(e.workingDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

// Run executes spec.Command through the shell selected by spec.Policy.
// Stdout and stderr are combined. A timeout kills the whole process group.
func (e *Environment) Run(ctx context.Context, spec CommandSpec) (*ExecResult, error) {
	dir := e.workingDir
	if spec.Dir != "" {
		dir = e.Resolve(spec.Dir, true)
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	name, args := e.shellCommand(spec.Policy.resolve(), spec.Command)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	env := filterEnvironment()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Command:    spec.Command,
		Cwd:        dir,
		Output:     output.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if cmd.Process != nil {
		result.PID = cmd.Process.Pid
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case spec.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			result.TimedOut = true
			result.ExitCode = -1
			result.Error = fmt.Sprintf("Command execution timed out after %ds", int(spec.Timeout.Seconds()))
		case ctx.Err() != nil:
			return result, ctx.Err()
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec_command: %w", err)
		}
	}
	return result, nil
}

func (e *Environment) shellCommand(policy ShellPolicy, command string) (string, []string) {
	if policy == ShellPowerShell {
		ps := "powershell"
		if p, err := exec.LookPath("pwsh"); err == nil {
			ps = p
		}
		return ps, []string{"-NoProfile", "-NonInteractive", "-Command", command}
	}
	return e.shell, []string{"-c", command}
}

func defaultShell() string {
	for _, sh := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "sh"
}

// expandPath expands environment variables and a leading ~.
func expandPath(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return path
}
