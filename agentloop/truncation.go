package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultToolCharLimits caps tool message content per tool when output
// limits are enabled on the executor.
var DefaultToolCharLimits = map[string]int{
	"load":               60000,
	"execute_command":    30000,
	"search":             20000,
	"search_and_replace": 20000,
	"write":              20000,
}

// DefaultTruncationModes picks the cut strategy per tool. Tools not listed
// use head_tail.
var DefaultTruncationModes = map[string]TruncationMode{
	"search":             TruncateTail,
	"search_and_replace": TruncateTail,
}

// DefaultToolLineLimits applies after character truncation.
var DefaultToolLineLimits = map[string]int{
	"execute_command": 400,
	"search":          500,
}

const fallbackCharLimit = 30000

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[Output truncated: first %d characters removed. "+
			"Re-run the tool with narrower arguments to see them.]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[Output truncated: %d characters removed from the middle. "+
			"Re-run the tool with narrower arguments to see them.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// OutputLimits overrides the per-tool defaults. A zero value for a tool
// falls back to the defaults; a negative value disables that limit.
type OutputLimits struct {
	Chars map[string]int
	Lines map[string]int
}

// TruncateToolOutput runs character truncation, then line truncation, for
// one tool's content.
func TruncateToolOutput(output, toolName string, limits OutputLimits) string {
	maxChars := limits.Chars[toolName]
	if maxChars == 0 {
		maxChars = DefaultToolCharLimits[toolName]
	}
	if maxChars == 0 {
		maxChars = fallbackCharLimit
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines := limits.Lines[toolName]
	if maxLines == 0 {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}
