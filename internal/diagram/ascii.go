package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusCurrent:
		return "[HERE]"
	case StatusVisited:
		return "[OK]"
	case StatusCompleted:
		return "[DONE]"
	case StatusPaused:
		return "[PAUSED]"
	case StatusFailed:
		return "[FAIL]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as one box per state followed by its
// outgoing transitions.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for _, node := range model.Nodes {
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		for _, e := range model.Edges {
			if e.From != node.ID {
				continue
			}
			guards := ""
			if len(e.Guards) > 0 {
				guards = " [" + strings.Join(e.Guards, ", ") + "]"
			}
			fmt.Fprintf(&b, "   └─ %s → %s%s\n", e.Label, e.To, guards)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// makeBox creates an ASCII box for a node.
func makeBox(node *Node) []string {
	title := node.ID
	switch node.Kind {
	case NodeKindInitial:
		title = "(start) " + title
	case NodeKindFinal:
		title = "(end) " + title
	}
	content := []string{title}
	if len(node.Actions) > 0 {
		content = append(content, strings.Join(node.Actions, ", "))
	}
	if node.Status != nil {
		line := statusTag(node.Status.Status)
		if node.Status.Runs > 0 {
			line += fmt.Sprintf(" runs=%d", node.Status.Runs)
		}
		if node.Status.Failures > 0 {
			line += fmt.Sprintf(" failures=%d", node.Status.Failures)
		}
		content = append(content, strings.TrimSpace(line))
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, len([]rune(line)))
	}
	width := maxLen + 2

	lines := []string{"┌" + strings.Repeat("─", width) + "┐"}
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", maxLen-len([]rune(c)))+" │")
	}
	return append(lines, "└"+strings.Repeat("─", width)+"┘")
}
