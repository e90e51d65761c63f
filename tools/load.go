package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
)

// LoadToolName is the registered name of the file reader.
const LoadToolName = "load"

type loadArgs struct {
	FilePath  string `json:"file_path"`
	EnsureAbs *bool  `json:"ensure_abs"`
}

// LoadTool reads a file as text.
type LoadTool struct {
	env *Environment
}

// NewLoadTool returns a load tool resolving relative paths against env.
func NewLoadTool(env *Environment) *LoadTool {
	return &LoadTool{env: env}
}

// Invoke implements agentloop.ToolHandler.
func (t *LoadTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	var in loadArgs
	if err := agentloop.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.FilePath == "" {
		return nil, errors.New("file_path is required")
	}

	expand := in.EnsureAbs == nil || *in.EnsureAbs
	path := t.env.Resolve(in.FilePath, expand)
	return loadFile(agentloop.LoggerFrom(ctx), in.FilePath, path), nil
}

func loadFile(logger *zap.Logger, given, path string) *Response {
	meta := map[string]any{"file_path": path}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		msg := fmt.Sprintf("Error: File '%s' not found.", given)
		logger.Error(msg)
		return fail(LoadToolName, msg, meta)
	}
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s is a directory", path)
	}
	var data []byte
	if err == nil {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		msg := fmt.Sprintf("Error reading file: %v", err)
		logger.Error(msg)
		return fail(LoadToolName, msg, meta)
	}

	meta["file_size"] = len(data)
	logger.Info("file loaded", zap.String("path", path), zap.Int("bytes", len(data)))
	return succeed(LoadToolName, string(data), meta)
}
