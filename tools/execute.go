package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
)

// ExecuteToolName is the registered name of the shell tool.
const ExecuteToolName = "execute_command"

// maxCommandOutput caps the output kept in the result.
const maxCommandOutput = 30000

type executeArgs struct {
	Command        string            `json:"command"`
	Cwd            string            `json:"cwd"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
	Env            map[string]string `json:"env"`
	ShellPolicy    string            `json:"shell_policy"`
}

// ExecuteTool runs shell commands in the workspace.
type ExecuteTool struct {
	env    *Environment
	ignore *IgnoreRules
}

// NewExecuteTool returns a command runner rooted at env. Commands touching
// paths matched by ignore are refused.
func NewExecuteTool(env *Environment, ignore *IgnoreRules) *ExecuteTool {
	return &ExecuteTool{env: env, ignore: ignore}
}

// Invoke implements agentloop.ToolHandler.
func (t *ExecuteTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	var in executeArgs
	if err := agentloop.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Command == "" {
		return nil, errors.New("command is required")
	}
	if in.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("timeout_seconds must not be negative, got %v", in.TimeoutSeconds)
	}
	policy, err := ParseShellPolicy(in.ShellPolicy)
	if err != nil {
		return nil, err
	}
	logger := agentloop.LoggerFrom(ctx)

	dir := t.env.WorkingDirectory()
	if in.Cwd != "" {
		dir = t.env.Resolve(in.Cwd, true)
	}
	meta := map[string]any{"command": in.Command, "cwd": dir}

	if blocked := t.ignore.ValidateCommand(in.Command, dir, policy); blocked != "" {
		msg := fmt.Sprintf("Blocked by %s: attempted to access '%s'", IgnoreFileName, blocked)
		logger.Warn("command blocked", zap.String("command", in.Command), zap.String("path", blocked))
		return fail(ExecuteToolName, msg, meta), nil
	}

	logger.Info("executing command", zap.String("command", in.Command), zap.String("cwd", dir))
	result, err := t.env.Run(ctx, CommandSpec{
		Command: in.Command,
		Dir:     dir,
		Timeout: time.Duration(in.TimeoutSeconds * float64(time.Second)),
		Env:     in.Env,
		Policy:  policy,
	})
	if err != nil {
		return nil, err
	}
	result.Output = agentloop.TruncateOutput(result.Output, maxCommandOutput, agentloop.TruncateHeadTail)

	logger.Info("command finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Int64("duration_ms", result.DurationMs),
		zap.Bool("timed_out", result.TimedOut))
	return succeed(ExecuteToolName, result, meta), nil
}
