package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
)

// SearchReplaceToolName is the registered name of the line editor.
const SearchReplaceToolName = "search_and_replace"

type searchReplaceArgs struct {
	File          string `json:"file"`
	Search        string `json:"search"`
	Replace       string `json:"replace"`
	Mode          string `json:"mode"`
	OutputStyle   string `json:"output_style"`
	CaseSensitive *bool  `json:"case_sensitive"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	FilePattern   string `json:"file_pattern"`
}

// SearchReplaceTool replaces exact line blocks in one file or a tree.
type SearchReplaceTool struct {
	env    *Environment
	ignore *IgnoreRules
}

// NewSearchReplaceTool returns a search_and_replace tool rooted at env.
// Files matched by ignore are skipped when walking directories.
func NewSearchReplaceTool(env *Environment, ignore *IgnoreRules) *SearchReplaceTool {
	return &SearchReplaceTool{env: env, ignore: ignore}
}

// blockMatch is one matched block of lines, 0-based.
type blockMatch struct {
	start int
	count int
}

type lineMatcher struct {
	search        []string
	caseSensitive bool
	start, end    int // 1-based and inclusive; 0 means unbounded
}

func (m lineMatcher) equal(line, search string) bool {
	a, b := strings.TrimSpace(line), strings.TrimSpace(search)
	if m.caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

// find returns non-overlapping matches of the search block in lines.
func (m lineMatcher) find(lines []string) []blockMatch {
	lo, hi := 0, len(lines)-1
	if m.start > 0 {
		lo = m.start - 1
	}
	if m.end > 0 && m.end-1 < hi {
		hi = m.end - 1
	}
	n := len(m.search)
	var out []blockMatch
	for i := lo; i+n-1 <= hi; {
		ok := true
		for j := 0; j < n; j++ {
			if !m.equal(lines[i+j], m.search[j]) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, blockMatch{start: i, count: n})
			i += n
			continue
		}
		i++
	}
	return out
}

// Invoke implements agentloop.ToolHandler.
func (t *SearchReplaceTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	in := searchReplaceArgs{Mode: string(ModeApply), OutputStyle: string(StyleDefault), FilePattern: "*"}
	if err := agentloop.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.File == "" {
		return nil, errors.New("file is required")
	}
	if in.Search == "" {
		return nil, errors.New("search is required")
	}
	logger := agentloop.LoggerFrom(ctx)

	target := t.env.Resolve(in.File, true)
	meta := map[string]any{"file": target, "mode": in.Mode, "output_style": in.OutputStyle}

	mode := Mode(strings.ToLower(in.Mode))
	if !oneOf(string(mode), modes) {
		return fail(SearchReplaceToolName, invalidChoice("mode", in.Mode, modes), meta), nil
	}
	style := OutputStyle(strings.ToLower(in.OutputStyle))
	if !oneOf(string(style), outputStyles) {
		return fail(SearchReplaceToolName, invalidChoice("output_style", in.OutputStyle, outputStyles), meta), nil
	}
	if strings.TrimSpace(in.Search) == strings.TrimSpace(in.Replace) {
		return succeed(SearchReplaceToolName, "No changes needed", meta), nil
	}
	if in.StartLine > 0 && in.EndLine > 0 && in.EndLine < in.StartLine {
		return fail(SearchReplaceToolName, fmt.Sprintf("end_line %d is before start_line %d", in.EndLine, in.StartLine), meta), nil
	}

	files, err := t.collectFiles(target, in.FilePattern)
	if err != nil {
		return fail(SearchReplaceToolName, err.Error(), meta), nil
	}

	matcher := lineMatcher{
		search:        strings.Split(normalizeNewlines(in.Search), "\n"),
		caseSensitive: in.CaseSensitive == nil || *in.CaseSensitive,
		start:         in.StartLine,
		end:           in.EndLine,
	}
	var replacement []string
	if in.Replace != "" {
		replacement = strings.Split(normalizeNewlines(in.Replace), "\n")
	}

	act := fileAction{mode: mode, style: style, createDirs: true}
	var outputs []string
	totalMatches, changedFiles := 0, 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
			continue
		}
		original := string(data)
		lines := strings.Split(original, "\n")
		matches := matcher.find(lines)
		if len(matches) == 0 {
			continue
		}
		totalMatches += len(matches)
		changedFiles++

		change := fileChange{
			path:     t.env.Rel(path),
			original: original,
			updated:  strings.Join(replaceBlocks(lines, matches, replacement), "\n"),
			conflict: strings.Join(conflictBlocks(lines, matches, replacement), "\n"),
		}
		resp := finishChange(logger, SearchReplaceToolName, path, change, act, map[string]any{})
		if !resp.Succeeded() {
			return fail(SearchReplaceToolName, resp.Error, meta), nil
		}
		if mode == ModePreview {
			outputs = append(outputs, fmt.Sprintf("# %s (%d matches)\n%v", change.path, len(matches), resp.Content))
		}
	}

	meta["total_matches"] = totalMatches
	meta["files_with_matches"] = changedFiles
	if totalMatches == 0 {
		return succeed(SearchReplaceToolName, "No matches found", meta), nil
	}
	logger.Info("search and replace completed",
		zap.Int("matches", totalMatches), zap.Int("files", changedFiles), zap.String("mode", string(mode)))
	if mode == ModePreview {
		return succeed(SearchReplaceToolName, strings.Join(outputs, "\n\n"), meta), nil
	}
	return succeed(SearchReplaceToolName,
		fmt.Sprintf("Apply completed: %d matches replaced in %d files", totalMatches, changedFiles), meta), nil
}

// collectFiles expands target into the regular files to edit.
func (t *SearchReplaceTool) collectFiles(target, pattern string) ([]string, error) {
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("Path not found: %s", target)
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{target}, nil
	}
	if pattern == "" {
		pattern = "*"
	}

	var files []string
	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != target && isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || isExcludedFile(d.Name()) || t.ignore.IgnoredPath(path) {
			return nil
		}
		if matchFilePattern(pattern, target, path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// matchFilePattern matches the basename, or the path relative to root when
// the pattern contains a separator.
func matchFilePattern(pattern, root, path string) bool {
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}
	subject := filepath.Base(path)
	if strings.Contains(pattern, "/") {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return false
		}
		subject = filepath.ToSlash(rel)
	}
	ok, _ := doublestar.Match(pattern, subject)
	return ok
}

// replaceBlocks substitutes each match, working bottom-up so indices hold.
func replaceBlocks(lines []string, matches []blockMatch, replacement []string) []string {
	out := append([]string(nil), lines...)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		tail := append([]string(nil), out[m.start+m.count:]...)
		out = append(append(out[:m.start], replacement...), tail...)
	}
	return out
}

func conflictBlocks(lines []string, matches []blockMatch, replacement []string) []string {
	out := append([]string(nil), lines...)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		block := []string{"<<<<<<< HEAD"}
		block = append(block, out[m.start:m.start+m.count]...)
		block = append(block, "=======")
		block = append(block, replacement...)
		block = append(block, ">>>>>>> incoming")
		tail := append([]string(nil), out[m.start+m.count:]...)
		out = append(append(out[:m.start], block...), tail...)
	}
	return out
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
