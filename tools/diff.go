package tools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// OutputStyle selects how a file change is rendered.
type OutputStyle string

const (
	StyleDefault     OutputStyle = "default"
	StyleGitDiff     OutputStyle = "git_diff"
	StyleGitConflict OutputStyle = "git_conflict"
)

var outputStyles = []string{string(StyleDefault), string(StyleGitDiff), string(StyleGitConflict)}

// Mode selects whether a change is only shown or also written.
type Mode string

const (
	ModePreview Mode = "preview"
	ModeApply   Mode = "apply"
)

var modes = []string{string(ModePreview), string(ModeApply)}

// fileChange is a pending rewrite of one file.
type fileChange struct {
	path     string // as shown in diff headers
	original string
	updated  string
	isNew    bool
	conflict string // precomputed conflict rendering, if any
}

func (c fileChange) changed() bool { return c.isNew || c.original != c.updated }

// render formats c in style.
func (c fileChange) render(style OutputStyle) (string, error) {
	switch style {
	case StyleGitDiff:
		return c.gitDiff()
	case StyleGitConflict:
		return c.gitConflict(), nil
	default:
		return c.updated, nil
	}
}

func (c fileChange) gitDiff() (string, error) {
	if !c.changed() {
		return "", nil
	}
	p := filepath.ToSlash(c.path)
	var sb strings.Builder
	fmt.Fprintf(&sb, "diff --git a/%s b/%s\n", p, p)
	if c.isNew {
		lines := strings.Split(c.updated, "\n")
		sb.WriteString("new file mode 100644\n")
		sb.WriteString("--- /dev/null\n")
		fmt.Fprintf(&sb, "+++ b/%s\n", p)
		fmt.Fprintf(&sb, "@@ -0,0 +1,%d @@\n", len(lines))
		for _, line := range lines {
			sb.WriteString("+" + line + "\n")
		}
		return strings.TrimSuffix(sb.String(), "\n"), nil
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(c.original),
		B:        difflib.SplitLines(c.updated),
		FromFile: "a/" + p,
		ToFile:   "b/" + p,
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("diff %s: %w", p, err)
	}
	sb.WriteString(diff)
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func (c fileChange) gitConflict() string {
	if c.conflict != "" {
		return c.conflict
	}
	if c.isNew || !c.changed() {
		return c.updated
	}
	return strings.Join([]string{
		"<<<<<<< HEAD",
		strings.TrimSuffix(c.original, "\n"),
		"=======",
		strings.TrimSuffix(c.updated, "\n"),
		">>>>>>> incoming",
	}, "\n") + "\n"
}

// diffPath returns the path apply+git_diff writes to: the target with its
// extension replaced by .diff.
func diffPath(target string) string {
	return strings.TrimSuffix(target, filepath.Ext(target)) + ".diff"
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func invalidChoice(field, value string, allowed []string) string {
	return fmt.Sprintf("Invalid %s '%s'. Must be one of: %s", field, value, strings.Join(allowed, ", "))
}
