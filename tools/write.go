package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
)

// WriteToolName is the registered name of the file writer.
const WriteToolName = "write"

// Write operations.
const (
	OpCreate    = "create"
	OpOverwrite = "overwrite"
	OpAppend    = "append"
	OpPrepend   = "prepend"
)

var writeOperations = []string{OpCreate, OpOverwrite, OpAppend, OpPrepend}

type writeArgs struct {
	FilePath    string `json:"file_path"`
	Content     string `json:"content"`
	Operation   string `json:"operation"`
	Mode        string `json:"mode"`
	OutputStyle string `json:"output_style"`
	Backup      bool   `json:"backup"`
	CreateDirs  *bool  `json:"create_dirs"`
}

// WriteTool creates or modifies whole files.
type WriteTool struct {
	env *Environment
}

// NewWriteTool returns a write tool rooted at env.
func NewWriteTool(env *Environment) *WriteTool {
	return &WriteTool{env: env}
}

// Invoke implements agentloop.ToolHandler.
func (t *WriteTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	in := writeArgs{Operation: OpOverwrite, Mode: string(ModeApply), OutputStyle: string(StyleDefault)}
	if err := agentloop.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.FilePath == "" {
		return nil, errors.New("file_path is required")
	}
	logger := agentloop.LoggerFrom(ctx)

	path := t.env.Resolve(in.FilePath, true)
	meta := map[string]any{
		"file_path":    path,
		"operation":    in.Operation,
		"mode":         in.Mode,
		"output_style": in.OutputStyle,
	}

	op := strings.ToLower(in.Operation)
	if !oneOf(op, writeOperations) {
		return fail(WriteToolName, invalidChoice("operation", in.Operation, writeOperations), meta), nil
	}
	mode := Mode(strings.ToLower(in.Mode))
	if !oneOf(string(mode), modes) {
		return fail(WriteToolName, invalidChoice("mode", in.Mode, modes), meta), nil
	}
	style := OutputStyle(strings.ToLower(in.OutputStyle))
	if !oneOf(string(style), outputStyles) {
		return fail(WriteToolName, invalidChoice("output_style", in.OutputStyle, outputStyles), meta), nil
	}

	original, exists, err := readExisting(path)
	if err != nil {
		return fail(WriteToolName, err.Error(), meta), nil
	}
	if op == OpOverwrite && exists && sameContent(original, in.Content) {
		logger.Info("content identical to existing file", zap.String("path", path))
		return succeed(WriteToolName, "No changes needed", meta), nil
	}
	if op == OpCreate && exists {
		return fail(WriteToolName, fmt.Sprintf("File %s already exists", path), meta), nil
	}

	change := fileChange{
		path:     t.env.Rel(path),
		original: original,
		updated:  composeContent(op, original, in.Content),
		isNew:    !exists,
	}
	return finishChange(logger, WriteToolName, path, change, fileAction{
		mode:       mode,
		style:      style,
		backup:     in.Backup,
		createDirs: in.CreateDirs == nil || *in.CreateDirs,
	}, meta), nil
}

func composeContent(op, original, content string) string {
	switch op {
	case OpAppend:
		if original != "" && !strings.HasSuffix(original, "\n") {
			return original + "\n" + content
		}
		return original + content
	case OpPrepend:
		if content != "" && !strings.HasSuffix(content, "\n") {
			return content + "\n" + original
		}
		return content + original
	default:
		return content
	}
}

func sameContent(a, b string) bool {
	norm := func(s string) string {
		s = strings.ReplaceAll(s, "\r\n", "\n")
		return strings.TrimSpace(strings.ReplaceAll(s, "\r", "\n"))
	}
	return norm(a) == norm(b)
}

// readExisting returns the file content and whether it exists.
func readExisting(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), true, nil
}

type fileAction struct {
	mode       Mode
	style      OutputStyle
	backup     bool
	createDirs bool
}

// finishChange previews or applies change to target according to act.
func finishChange(logger *zap.Logger, tool, target string, change fileChange, act fileAction, meta map[string]any) *Response {
	rendered, err := change.render(act.style)
	if err != nil {
		return fail(tool, err.Error(), meta)
	}
	if act.mode == ModePreview {
		logger.Info("preview rendered", zap.String("path", target), zap.String("style", string(act.style)))
		return succeed(tool, rendered, meta)
	}

	out := target
	if act.style == StyleGitDiff {
		out = diffPath(target)
	}
	if act.backup && act.style == StyleDefault && !change.isNew {
		backup := target + ".backup"
		if err := os.WriteFile(backup, []byte(change.original), 0o644); err != nil {
			logger.Warn("backup failed", zap.String("path", backup), zap.Error(err))
		} else {
			meta["backup_path"] = backup
		}
	}
	if act.createDirs {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return fail(tool, fmt.Sprintf("Error writing %s: %v", out, err), meta)
		}
	}
	if err := writeFilePreservingMode(out, []byte(rendered)); err != nil {
		return fail(tool, fmt.Sprintf("Error writing %s: %v", out, err), meta)
	}
	meta["written_path"] = out
	logger.Info("file written", zap.String("path", out), zap.Int("bytes", len(rendered)))
	return succeed(tool, fmt.Sprintf("Apply completed: %s written", out), meta)
}

func writeFilePreservingMode(path string, data []byte) error {
	perm := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return os.WriteFile(path, data, perm)
}
