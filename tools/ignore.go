package tools

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/shlex"
)

// IgnoreFileName is the per-workspace file listing paths tools must not touch.
const IgnoreFileName = ".drowignore"

type ignoreRule struct {
	negate   bool
	patterns []string
}

// IgnoreRules holds .drowignore patterns for a workspace root. Patterns
// follow gitignore conventions: a leading "/" or an inner "/" anchors the
// pattern at the root, a trailing "/" matches directories, and "!" negates.
// The last matching rule wins.
type IgnoreRules struct {
	root  string
	rules []ignoreRule
}

// LoadIgnoreRules reads root/.drowignore. A missing file yields empty rules.
func LoadIgnoreRules(root string) (*IgnoreRules, error) {
	r := &IgnoreRules{root: root}
	f, err := os.Open(filepath.Join(root, IgnoreFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", IgnoreFileName, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		r.Add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", IgnoreFileName, err)
	}
	return r, nil
}

// Add appends one pattern line.
func (r *IgnoreRules) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	rule := ignoreRule{}
	if strings.HasPrefix(line, "!") {
		rule.negate = true
		line = line[1:]
	}
	dirOnly := strings.HasSuffix(line, "/")
	anchored := strings.Contains(strings.TrimSuffix(line, "/"), "/")
	line = strings.Trim(line, "/")
	if line == "" {
		return
	}
	if !anchored && !strings.HasPrefix(line, "**") {
		line = "**/" + line
	}
	rule.patterns = []string{line + "/**"}
	if !dirOnly {
		rule.patterns = append(rule.patterns, line)
	}
	r.rules = append(r.rules, rule)
}

// Empty reports whether no rules are loaded.
func (r *IgnoreRules) Empty() bool { return r == nil || len(r.rules) == 0 }

// Ignored reports whether rel, a slash- or OS-separated path relative to the
// root, is excluded.
func (r *IgnoreRules) Ignored(rel string) bool {
	if r.Empty() {
		return false
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}
	ignored := false
	for _, rule := range r.rules {
		for _, p := range rule.patterns {
			if ok, _ := doublestar.Match(p, rel); ok {
				ignored = !rule.negate
				break
			}
		}
	}
	return ignored
}

// IgnoredPath is Ignored for an absolute path.
func (r *IgnoreRules) IgnoredPath(abs string) bool {
	if r.Empty() {
		return false
	}
	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return false
	}
	return r.Ignored(rel)
}

var shellOperators = map[string]bool{
	"|": true, "||": true, "&": true, "&&": true, ";": true,
	">": true, ">>": true, "<": true, "2>": true, "2>&1": true,
}

// ValidateCommand returns the first token of command that refers to an
// ignored path, or "" when the command may run. Tokens are resolved against
// dir.
func (r *IgnoreRules) ValidateCommand(command, dir string, policy ShellPolicy) string {
	if r.Empty() {
		return ""
	}
	for _, tok := range tokenize(command, policy.resolve()) {
		for _, candidate := range pathCandidates(tok) {
			p := candidate
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			if r.IgnoredPath(filepath.Clean(p)) {
				return candidate
			}
		}
	}
	return ""
}

func tokenize(command string, policy ShellPolicy) []string {
	if policy == ShellUnix {
		if toks, err := shlex.Split(command); err == nil {
			return toks
		}
	}
	fields := strings.Fields(command)
	for i, f := range fields {
		fields[i] = strings.Trim(f, `"'`)
	}
	return fields
}

// pathCandidates extracts strings from a token that may name a path.
func pathCandidates(tok string) []string {
	if shellOperators[tok] || tok == "" {
		return nil
	}
	if strings.HasPrefix(tok, "-") {
		if _, val, ok := strings.Cut(tok, "="); ok && val != "" {
			return []string{val}
		}
		return nil
	}
	tok = strings.TrimLeft(tok, "<>")
	if tok == "" {
		return nil
	}
	return []string{tok}
}
