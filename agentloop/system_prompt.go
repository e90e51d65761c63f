package agentloop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

const noRulesPlaceholder = "No rules specified/available"

// Workspace describes the host the agent operates on.
type Workspace interface {
	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// PromptInput collects everything BuildSystemPrompt renders.
type PromptInput struct {
	Workspace        Workspace
	Model            string
	Shell            string
	Instruction      string
	UserInstructions string
	RulePaths        []string
	Tools            []ToolSchema
	CompletionTools  []string
}

// BuildSystemPrompt assembles the system message sent at the head of every
// conversation.
func BuildSystemPrompt(in PromptInput) (string, error) {
	instruction := in.Instruction
	if instruction == "" {
		instruction = defaultCoderInstruction
	}

	toolBlock, err := FormatToolSchemas(in.Tools, in.CompletionTools)
	if err != nil {
		return "", err
	}
	rules, err := LoadRules(in.RulePaths)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(instruction))
	sb.WriteString("\n\n<rules>\n")
	sb.WriteString(FormatRules(rules))
	sb.WriteString("\n</rules>\n\n<tools>\n")
	sb.WriteString(toolBlock)
	sb.WriteString("\n</tools>\n\n")

	if in.Workspace != nil {
		sb.WriteString(BuildEnvironmentContext(in.Workspace, in.Model, in.Shell))
		if docs := DiscoverProjectDocs(in.Workspace.WorkingDirectory()); docs != "" {
			sb.WriteString("\n\n<project_instructions>\n")
			sb.WriteString(docs)
			sb.WriteString("\n</project_instructions>")
		}
		if git := GetGitContext(in.Workspace.WorkingDirectory()); git != "" {
			sb.WriteString("\n\n")
			sb.WriteString(git)
		}
	}

	if in.UserInstructions != "" {
		sb.WriteString("\n\n# User Instructions\n\n")
		sb.WriteString(in.UserInstructions)
	}
	return sb.String(), nil
}

// FormatToolSchemas renders each schema as an indented JSON document wrapped
// in <tool> tags. Descriptions of completion tools are prefixed with
// [COMPLETION SIGNAL].
func FormatToolSchemas(schemas []ToolSchema, completionTools []string) (string, error) {
	signal := map[string]bool{}
	for _, name := range completionTools {
		signal[name] = true
	}

	blocks := make([]string, 0, len(schemas))
	for _, s := range schemas {
		if signal[s.Function.Name] && !strings.HasPrefix(s.Function.Description, "[COMPLETION SIGNAL]") {
			s.Function.Description = "[COMPLETION SIGNAL] " + s.Function.Description
		}
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "    ")
		if err := enc.Encode(s); err != nil {
			return "", fmt.Errorf("encode tool schema %s: %w", s.Function.Name, err)
		}
		blocks = append(blocks, "<tool>\n"+strings.TrimRight(buf.String(), "\n")+"\n</tool>")
	}
	return strings.Join(blocks, "\n"), nil
}

// Rule is a workspace rule loaded from a .mdc file.
type Rule struct {
	Path        string
	AlwaysApply bool
	Description string
	Content     string
}

type ruleFrontmatter struct {
	AlwaysApply bool   `yaml:"alwaysApply"`
	Description string `yaml:"description"`
}

// ParseRule splits a .mdc document into its YAML frontmatter and markdown
// body. A document without frontmatter is a requestable rule with no
// description.
func ParseRule(path string, data []byte) (Rule, error) {
	rule := Rule{Path: path}
	text := strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n"))

	if !strings.HasPrefix(text, "---\n") {
		rule.Content = text
		return rule, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		rule.Content = text
		return rule, nil
	}

	var fm ruleFrontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return Rule{}, fmt.Errorf("parse rule frontmatter %s: %w", path, err)
	}
	rule.AlwaysApply = fm.AlwaysApply
	rule.Description = fm.Description
	body := rest[end+len("\n---"):]
	rule.Content = strings.TrimSpace(body)
	return rule, nil
}

// LoadRules reads .mdc rules from the given files and directories.
// Directories contribute their *.mdc entries in name order; missing
// paths are skipped.
func LoadRules(paths []string) ([]Rule, error) {
	var rules []Rule
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		files := []string{p}
		if info.IsDir() {
			files, err = filepath.Glob(filepath.Join(p, "*.mdc"))
			if err != nil {
				return nil, err
			}
			sort.Strings(files)
		} else if filepath.Ext(p) != ".mdc" {
			continue
		}
		for _, f := range files {
			abs, err := filepath.Abs(f)
			if err != nil {
				abs = f
			}
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("read rule %s: %w", f, err)
			}
			rule, err := ParseRule(abs, data)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// FormatRules renders always-applied rules inline and lists requestable
// rules by description and path.
func FormatRules(rules []Rule) string {
	var requestable, always []string
	for _, r := range rules {
		if r.AlwaysApply {
			always = append(always, r.Content)
			continue
		}
		desc := r.Description
		if desc == "" {
			desc = filepath.Base(r.Path)
		}
		requestable = append(requestable, fmt.Sprintf("- %s: %s", desc, r.Path))
	}

	section := func(items []string, sep string) string {
		if len(items) == 0 {
			return noRulesPlaceholder
		}
		return strings.Join(items, sep)
	}

	var sb strings.Builder
	sb.WriteString(`<agent_requestable_workspace_rules description="Workspace rules the agent may load on demand from the listed absolute path.">` + "\n")
	sb.WriteString(section(requestable, "\n"))
	sb.WriteString("\n</agent_requestable_workspace_rules>\n\n")
	sb.WriteString(`<always_applied_workspace_rules description="Workspace rules the agent must always follow.">` + "\n")
	sb.WriteString(section(always, "\n\n"))
	sb.WriteString("\n</always_applied_workspace_rules>")
	return sb.String()
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(ws Workspace, model, shell string) string {
	workingDir := ws.WorkingDirectory()
	isGitRepo := isGitRepository(workingDir)
	gitBranch := ""
	if isGitRepo {
		gitBranch = getGitBranch(workingDir)
	}

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Workspace path: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isGitRepo)
	if gitBranch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", gitBranch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", ws.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", ws.OSVersion())
	if shell != "" {
		fmt.Fprintf(&sb, "Shell: %s\n", shell)
	}
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads AGENTS.md files from the git root (or working
// directory) down to the working directory, capped at 32KB in total.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	totalBytes := 0
	for _, dir := range collectPathHierarchy(root, workingDir) {
		content, err := os.ReadFile(filepath.Join(dir, "AGENTS.md"))
		if err != nil {
			continue
		}

		remaining := maxProjectDocBytes - totalBytes
		if remaining <= 0 {
			docs = append(docs, "[Project instructions truncated at 32KB]")
			break
		}
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
		}
		docs = append(docs, fmt.Sprintf("# AGENTS.md (from %s)\n\n%s", dir, text))
		totalBytes += len(text)
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GetGitContext returns a summary of the git state for the system prompt.
func GetGitContext(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if branch := getGitBranch(root); branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", branch)
	}
	if status := runGitCommand(root, "status", "--short"); status != "" {
		lines := strings.Split(strings.TrimSpace(status), "\n")
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", len(lines))
	}
	if log := runGitCommand(root, "log", "--oneline", "-10"); log != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(log)
		sb.WriteString("\n")
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	if root == target {
		return dirs
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	return strings.TrimSpace(runGitCommand(dir, "rev-parse", "--is-inside-work-tree")) == "true"
}

func gitRoot(dir string) string {
	return strings.TrimSpace(runGitCommand(dir, "rev-parse", "--show-toplevel"))
}

func getGitBranch(dir string) string {
	return strings.TrimSpace(runGitCommand(dir, "rev-parse", "--abbrev-ref", "HEAD"))
}

func runGitCommand(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

const defaultCoderInstruction = `You are drowcoder, an autonomous coding agent working inside the user's workspace.

<communication>
Be brief and direct. Format responses in markdown and use backticks for file, directory, function and class names.
Never invent file contents or command output; read or run things before you describe them.
</communication>

<tool_calling>
Call tools whenever they move the task forward, and only with arguments that satisfy their schema.
Prefer a few broad reads over many narrow ones.
Tool results from older turns may be pruned from your context. If you need an old result again, call the tool again.
A tool description that starts with [COMPLETION SIGNAL] ends the task: call it once, with a summary, when the work is done.
</tool_calling>

<making_code_changes>
Preview an edit when you are unsure of its effect, then apply it.
Keep changes minimal and consistent with the surrounding code.
After editing, run the relevant build or test command when one exists.
</making_code_changes>

Do what has been asked; nothing more, nothing less.`
