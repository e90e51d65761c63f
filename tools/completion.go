package tools

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
)

// CompletionToolName is the tool whose successful call ends the task.
const CompletionToolName = "attempt_completion"

// AttemptCompletion is the attempt_completion handler.
func AttemptCompletion(ctx context.Context, args map[string]any) (any, error) {
	result, err := agentloop.RequireStringArg(args, "result")
	if err != nil {
		return nil, err
	}
	if result == "" {
		return nil, errors.New("result must not be empty")
	}
	agentloop.LoggerFrom(ctx).Info("task marked as completed", zap.String("result", result))
	return succeed(CompletionToolName, fmt.Sprintf("Task completed successfully: %s", result), nil), nil
}
