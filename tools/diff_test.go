package tools

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGitDiffModifiedFile(t *testing.T) {
	c := fileChange{path: "pkg/a.txt", original: "one\ntwo\nthree\n", updated: "one\n2\nthree\n"}
	out, err := c.render(StyleGitDiff)
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	require.Equal(t, "diff --git a/pkg/a.txt b/pkg/a.txt", lines[0])
	require.Equal(t, "--- a/pkg/a.txt", lines[1])
	require.Equal(t, "+++ b/pkg/a.txt", lines[2])
	require.Contains(t, out, "-two")
	require.Contains(t, out, "+2")
	require.Contains(t, out, " one")
}

func TestGitDiffNewFile(t *testing.T) {
	c := fileChange{path: "new.txt", updated: "a\nb", isNew: true}
	out, err := c.render(StyleGitDiff)
	require.NoError(t, err)
	require.Equal(t, strings.Join([]string{
		"diff --git a/new.txt b/new.txt",
		"new file mode 100644",
		"--- /dev/null",
		"+++ b/new.txt",
		"@@ -0,0 +1,2 @@",
		"+a",
		"+b",
	}, "\n"), out)
}

func TestGitDiffUnchanged(t *testing.T) {
	c := fileChange{path: "a", original: "x", updated: "x"}
	out, err := c.render(StyleGitDiff)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestGitConflict(t *testing.T) {
	c := fileChange{path: "a", original: "old\n", updated: "new\n"}
	out, err := c.render(StyleGitConflict)
	require.NoError(t, err)
	require.Equal(t, "<<<<<<< HEAD\nold\n=======\nnew\n>>>>>>> incoming\n", out)

	c.isNew = true
	out, err = c.render(StyleGitConflict)
	require.NoError(t, err)
	require.Equal(t, "new\n", out)
}

func TestDiffPath(t *testing.T) {
	require.Equal(t, "/w/main.diff", diffPath("/w/main.go"))
	require.Equal(t, "/w/Makefile.diff", diffPath("/w/Makefile"))
}
