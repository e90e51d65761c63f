package render

import (
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	ansiReset     = "\x1b[0m"
	ansiBold      = "\x1b[1m"
	ansiDim       = "\x1b[2m"
	ansiItalic    = "\x1b[3m"
	ansiUnderline = "\x1b[4m"
	ansiCyan      = "\x1b[36m"
	ansiBlue      = "\x1b[34m"
)

var markdown = goldmark.New()

// Markdown renders markdown source as ANSI-styled terminal text.
func Markdown(src string) string {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))
	w := &ansiWriter{source: source}
	_ = ast.Walk(doc, w.visit)
	return strings.TrimRight(w.sb.String(), "\n")
}

type listState struct {
	ordered bool
	next    int
}

type ansiWriter struct {
	source []byte
	sb     strings.Builder
	lists  []listState
	quote  int
}

func (w *ansiWriter) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			w.sb.WriteString(ansiBold + ansiUnderline + strings.Repeat("#", node.Level) + " ")
		} else {
			w.sb.WriteString(ansiReset + "\n\n")
		}
	case *ast.Paragraph:
		if entering {
			w.linePrefix()
		} else {
			w.sb.WriteString("\n")
			if w.listDepth() == 0 {
				w.sb.WriteString("\n")
			}
		}
	case *ast.TextBlock:
		if !entering {
			w.sb.WriteString("\n")
		}
	case *ast.Text:
		if entering {
			w.sb.Write(node.Segment.Value(w.source))
			if node.HardLineBreak() || node.SoftLineBreak() {
				w.sb.WriteString("\n")
				w.linePrefix()
			}
		}
	case *ast.String:
		if entering {
			w.sb.Write(node.Value)
		}
	case *ast.Emphasis:
		style := ansiItalic
		if node.Level >= 2 {
			style = ansiBold
		}
		if entering {
			w.sb.WriteString(style)
		} else {
			w.sb.WriteString(ansiReset)
		}
	case *ast.CodeSpan:
		if entering {
			w.sb.WriteString(ansiCyan)
		} else {
			w.sb.WriteString(ansiReset)
		}
	case *ast.FencedCodeBlock:
		if entering {
			w.codeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeBlock:
		if entering {
			w.codeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		if entering {
			start := node.Start
			if start == 0 {
				start = 1
			}
			w.lists = append(w.lists, listState{ordered: node.IsOrdered(), next: start})
		} else {
			w.lists = w.lists[:len(w.lists)-1]
			if w.listDepth() == 0 {
				w.sb.WriteString("\n")
			}
		}
	case *ast.ListItem:
		if entering {
			depth := w.listDepth()
			w.sb.WriteString(strings.Repeat("  ", depth-1))
			state := &w.lists[depth-1]
			if state.ordered {
				w.sb.WriteString(strconv.Itoa(state.next) + ". ")
				state.next++
			} else {
				w.sb.WriteString("• ")
			}
		}
	case *ast.Link:
		if !entering {
			w.sb.WriteString(" (" + ansiBlue + string(node.Destination) + ansiReset + ")")
		}
	case *ast.AutoLink:
		if entering {
			w.sb.WriteString(ansiBlue + string(node.URL(w.source)) + ansiReset)
		}
		return ast.WalkSkipChildren, nil
	case *ast.Blockquote:
		if entering {
			w.quote++
		} else {
			w.quote--
		}
	case *ast.ThematicBreak:
		if entering {
			w.sb.WriteString(ansiDim + strings.Repeat("─", 40) + ansiReset + "\n\n")
		}
	}
	return ast.WalkContinue, nil
}

func (w *ansiWriter) codeBlock(lines *text.Segments) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		line := strings.TrimRight(string(seg.Value(w.source)), "\n")
		w.sb.WriteString("    " + ansiDim + line + ansiReset + "\n")
	}
	w.sb.WriteString("\n")
}

func (w *ansiWriter) linePrefix() {
	if w.quote > 0 {
		w.sb.WriteString(ansiDim + strings.Repeat("│ ", w.quote) + ansiReset)
	}
}

func (w *ansiWriter) listDepth() int { return len(w.lists) }
