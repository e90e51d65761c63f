package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWorkspace struct{ dir string }

func (w fakeWorkspace) WorkingDirectory() string { return w.dir }
func (w fakeWorkspace) Platform() string         { return "linux" }
func (w fakeWorkspace) OSVersion() string        { return "6.1" }

func TestFormatToolSchemas(t *testing.T) {
	schemas := []ToolSchema{
		{Type: "function", Function: FunctionSchema{Name: "load", Description: "Read a file <path>"}},
		{Type: "function", Function: FunctionSchema{Name: "attempt_completion", Description: "Finish"}},
	}
	out, err := FormatToolSchemas(schemas, []string{"attempt_completion"})
	require.NoError(t, err)

	require.Equal(t, 2, strings.Count(out, "<tool>\n"))
	require.Contains(t, out, `"description": "Read a file <path>"`)
	require.Contains(t, out, `"description": "[COMPLETION SIGNAL] Finish"`)
	require.Contains(t, out, "\n    \"type\": \"function\"")
	require.Equal(t, "Finish", schemas[1].Function.Description)

	again, err := FormatToolSchemas([]ToolSchema{{Function: FunctionSchema{Name: "x", Description: "[COMPLETION SIGNAL] done"}}}, []string{"x"})
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(again, "[COMPLETION SIGNAL]"))
}

func TestParseRule(t *testing.T) {
	rule, err := ParseRule("/r/style.mdc", []byte("---\nalwaysApply: true\ndescription: Style guide\n---\n\nUse tabs.\n"))
	require.NoError(t, err)
	require.True(t, rule.AlwaysApply)
	require.Equal(t, "Style guide", rule.Description)
	require.Equal(t, "Use tabs.", rule.Content)

	rule, err = ParseRule("/r/plain.mdc", []byte("Just text"))
	require.NoError(t, err)
	require.False(t, rule.AlwaysApply)
	require.Equal(t, "Just text", rule.Content)

	_, err = ParseRule("/r/bad.mdc", []byte("---\nalwaysApply: [\n---\nbody"))
	require.Error(t, err)
}

func TestLoadAndFormatRules(t *testing.T) {
	require.Contains(t, FormatRules(nil), noRulesPlaceholder)
	require.Equal(t, 2, strings.Count(FormatRules(nil), noRulesPlaceholder))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.mdc"), []byte("---\nalwaysApply: true\n---\nAlways do B"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mdc"), []byte("---\ndescription: Testing rules\n---\nRun tests"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	rules, err := LoadRules([]string{dir, filepath.Join(dir, "missing.mdc")})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "Run tests", rules[0].Content)

	out := FormatRules(rules)
	require.Contains(t, out, "- Testing rules: "+rules[0].Path)
	require.Contains(t, out, "Always do B")
	require.NotContains(t, out, noRulesPlaceholder)
}

func TestBuildSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("Use make test."), 0o644))

	prompt, err := BuildSystemPrompt(PromptInput{
		Workspace:        fakeWorkspace{dir: dir},
		Model:            "test-model",
		Shell:            "bash",
		UserInstructions: "Answer in French.",
		Tools:            []ToolSchema{{Type: "function", Function: FunctionSchema{Name: "load", Description: "Read"}}},
	})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(prompt, "You are drowcoder"))
	require.Contains(t, prompt, "<rules>")
	require.Contains(t, prompt, "<tools>\n<tool>")
	require.Contains(t, prompt, "Workspace path: "+dir)
	require.Contains(t, prompt, "Model: test-model")
	require.Contains(t, prompt, "Shell: bash")
	require.Contains(t, prompt, "Use make test.")
	require.True(t, strings.HasSuffix(prompt, "Answer in French."))

	custom, err := BuildSystemPrompt(PromptInput{Instruction: "Be a pirate."})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(custom, "Be a pirate."))
	require.NotContains(t, custom, "<environment>")
}

func TestCollectPathHierarchy(t *testing.T) {
	root := filepath.FromSlash("/repo")
	require.Equal(t, []string{root}, collectPathHierarchy(root, root))
	require.Equal(t,
		[]string{root, filepath.Join(root, "a"), filepath.Join(root, "a", "b")},
		collectPathHierarchy(root, filepath.Join(root, "a", "b")))
	require.Equal(t, []string{root}, collectPathHierarchy(root, filepath.FromSlash("/elsewhere")))
}
