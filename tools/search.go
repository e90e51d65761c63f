package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
)

// SearchToolName is the registered name of the content search tool.
const SearchToolName = "search"

// Output formats for search results.
const (
	SearchOutputText = "text"
	SearchOutputTree = "tree"
)

const (
	noMatchesMessage   = "No matching results found"
	regexMatchTimeout  = time.Second
	maxSearchLineBytes = 1 << 20
)

type searchArgs struct {
	Path                string `json:"path"`
	ContentPattern      string `json:"content_pattern"`
	FilepathPattern     string `json:"filepath_pattern"`
	Cwd                 string `json:"cwd"`
	MaxMatchesPerFile   int    `json:"max_matches_per_file"`
	OutputFormat        string `json:"output_format"`
	OnlyFilename        bool   `json:"only_filename"`
	EnableSearchOutside bool   `json:"enable_search_outside"`
	IgnoreCase          bool   `json:"ignore_case"`
}

// SearchTool greps file contents with Perl-style regular expressions.
type SearchTool struct {
	env    *Environment
	ignore *IgnoreRules
}

// NewSearchTool returns a search tool rooted at env.
func NewSearchTool(env *Environment, ignore *IgnoreRules) *SearchTool {
	return &SearchTool{env: env, ignore: ignore}
}

type lineHit struct {
	line int
	text string
}

type fileHits struct {
	path       string // absolute
	display    string // relative to cwd when inside it
	hits       []lineHit
	totalLines int
}

func (f fileHits) header() string {
	if len(f.hits) == f.totalLines {
		return "(entire file content returned)"
	}
	return fmt.Sprintf("(%d matches)", len(f.hits))
}

func (f fileHits) formatHits(prefix string, max int) string {
	var sb strings.Builder
	for i, h := range f.hits {
		if i >= max {
			break
		}
		fmt.Fprintf(&sb, "%s  %-3d | %s\n", prefix, h.line, h.text)
	}
	if len(f.hits) > max {
		fmt.Fprintf(&sb, "%s  ... [Content truncated - %d more matches hidden]\n", prefix, len(f.hits)-max)
	}
	return sb.String()
}

// Invoke implements agentloop.ToolHandler.
func (t *SearchTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	in := searchArgs{FilepathPattern: "*", MaxMatchesPerFile: 10, OutputFormat: SearchOutputText}
	if err := agentloop.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.ContentPattern == "" {
		return nil, errors.New("content_pattern is required")
	}
	if in.MaxMatchesPerFile <= 0 {
		in.MaxMatchesPerFile = 10
	}
	logger := agentloop.LoggerFrom(ctx)

	opts := regexp2.None
	if in.IgnoreCase {
		opts = regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(in.ContentPattern, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid content_pattern: %w", err)
	}
	re.MatchTimeout = regexMatchTimeout

	meta := map[string]any{
		"path":             in.Path,
		"content_pattern":  in.ContentPattern,
		"filepath_pattern": in.FilepathPattern,
	}

	cwd := t.env.WorkingDirectory()
	if in.Cwd != "" {
		cwd = t.env.Resolve(in.Cwd, true)
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return fail(SearchToolName, fmt.Sprintf("Search failed: Working directory does not exist: %s", cwd), meta), nil
	}
	root := cwd
	if in.Path != "" {
		root = expandPath(in.Path)
		if !filepath.IsAbs(root) {
			root = filepath.Join(cwd, root)
		}
		root = filepath.Clean(root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fail(SearchToolName, fmt.Sprintf("Search failed: Path does not exist: %s", root), meta), nil
	}
	if !in.EnableSearchOutside && !within(root, cwd) {
		return fail(SearchToolName, fmt.Sprintf(
			"Search failed: Path '%s' is outside workspace '%s' and external search is disabled", root, cwd), meta), nil
	}

	ignore := t.ignore
	if cwd != t.env.WorkingDirectory() {
		if ignore, err = LoadIgnoreRules(cwd); err != nil {
			logger.Warn("ignore rules unavailable", zap.Error(err))
		}
	}

	candidates, err := searchCandidates(ctx, root, info, in.FilepathPattern, ignore)
	if err != nil {
		return nil, err
	}

	var results []fileHits
	total := 0
	for _, path := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fh, err := grepFile(re, path)
		if err != nil {
			logger.Warn("error reading file", zap.String("path", path), zap.Error(err))
			continue
		}
		if len(fh.hits) == 0 {
			continue
		}
		fh.display = path
		if rel, err := filepath.Rel(cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
			fh.display = rel
		}
		total += len(fh.hits)
		results = append(results, fh)
	}

	meta["files_found"] = len(results)
	meta["total_matches"] = total
	logger.Info("search completed", zap.Int("files", len(results)), zap.Int("matches", total))

	var content string
	switch {
	case len(results) == 0:
		content = noMatchesMessage
	case in.OutputFormat == SearchOutputTree:
		content = formatTree(results, in.MaxMatchesPerFile, in.OnlyFilename)
	default:
		content = formatList(results, in.MaxMatchesPerFile, in.OnlyFilename)
	}
	return succeed(SearchToolName, content, meta), nil
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func searchCandidates(ctx context.Context, root string, info fs.FileInfo, pattern string, ignore *IgnoreRules) ([]string, error) {
	if !info.IsDir() {
		if ignore.IgnoredPath(root) {
			return nil, nil
		}
		return []string{root}, nil
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if path != root && (isExcludedDir(d.Name()) || ignore.IgnoredPath(path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || isExcludedFile(d.Name()) || ignore.IgnoredPath(path) {
			return nil
		}
		if matchFilePattern(pattern, root, path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// grepFile scans path line by line. Files containing NUL bytes are treated
// as binary and yield no hits.
func grepFile(re *regexp2.Regexp, path string) (fileHits, error) {
	fh := fileHits{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return fh, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return fh, nil
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxSearchLineBytes)
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Text()
		ok, err := re.MatchString(line)
		if err != nil {
			return fh, fmt.Errorf("match %s:%d: %w", path, n, err)
		}
		if ok {
			fh.hits = append(fh.hits, lineHit{line: n, text: strings.TrimSpace(line)})
		}
	}
	fh.totalLines = n
	return fh, scanner.Err()
}

func formatList(results []fileHits, max int, onlyFilename bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d files with matches\n\n", len(results))
	for _, r := range results {
		fmt.Fprintf(&sb, "# %s %s\n", filepath.ToSlash(r.display), r.header())
		if !onlyFilename {
			sb.WriteString(r.formatHits("", max))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

type treeNode struct {
	name     string
	children map[string]*treeNode
	file     *fileHits
}

func (n *treeNode) child(name string) *treeNode {
	if n.children == nil {
		n.children = map[string]*treeNode{}
	}
	c, ok := n.children[name]
	if !ok {
		c = &treeNode{name: name}
		n.children[name] = c
	}
	return c
}

func (n *treeNode) sortedChildren() []*treeNode {
	out := make([]*treeNode, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// concentrate merges chains of single-child directories into one node.
func (n *treeNode) concentrate() {
	for n.file == nil && len(n.children) == 1 {
		var only *treeNode
		for _, c := range n.children {
			only = c
		}
		if only.file != nil {
			break
		}
		n.name = strings.TrimSuffix(n.name, "/") + "/" + only.name
		n.children = only.children
	}
	for _, c := range n.children {
		c.concentrate()
	}
}

func formatTree(results []fileHits, max int, onlyFilename bool) string {
	root := &treeNode{name: "."}
	for i := range results {
		parts := strings.Split(filepath.ToSlash(results[i].display), "/")
		node := root
		if parts[0] == "" {
			// absolute path
			node = root.child("/")
			parts = parts[1:]
		}
		for _, p := range parts {
			node = node.child(p)
		}
		node.file = &results[i]
	}
	for _, c := range root.children {
		c.concentrate()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d files with matches\n\n", len(results))
	var walk func(n *treeNode, prefix string)
	walk = func(n *treeNode, prefix string) {
		symbol := ""
		if prefix != "" {
			symbol = "└── "
		}
		sb.WriteString(prefix + symbol + n.name)
		if n.file != nil {
			sb.WriteString(" " + n.file.header())
		}
		sb.WriteString("\n")
		if n.file != nil && !onlyFilename {
			sb.WriteString(n.file.formatHits(prefix+strings.Repeat(" ", len([]rune(symbol))), max))
		}
		for _, c := range n.sortedChildren() {
			walk(c, prefix+"    ")
		}
	}
	walk(root, "")
	return strings.TrimRight(sb.String(), "\n")
}
