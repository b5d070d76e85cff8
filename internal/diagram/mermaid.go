package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid state diagram.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("stateDiagram-v2\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		id := mermaidSafeID(node.ID)
		if node.Kind == NodeKindInitial {
			fmt.Fprintf(&b, "    [*] --> %s\n", id)
		}
		if len(node.Actions) > 0 {
			fmt.Fprintf(&b, "    %s : %s\\n%s\n", id, node.ID, strings.Join(node.Actions, ", "))
		}
	}

	for _, edge := range model.Edges {
		label := edge.Label
		if len(edge.Guards) > 0 {
			label += " [" + strings.Join(edge.Guards, ", ") + "]"
		}
		fmt.Fprintf(&b, "    %s --> %s : %s\n", mermaidSafeID(edge.From), mermaidSafeID(edge.To), label)
	}

	for _, node := range model.Nodes {
		if node.Kind == NodeKindFinal {
			fmt.Fprintf(&b, "    %s --> [*]\n", mermaidSafeID(node.ID))
		}
	}

	var classes []string
	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			classes = append(classes, fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}
	if len(classes) > 0 {
		b.WriteString("\n")
		b.WriteString("    classDef current fill:#1a5276,stroke:#0e3a52,color:#fff\n")
		b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
		b.WriteString("    classDef paused fill:#b7791a,stroke:#8a5c14,color:#fff\n")
		b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
		for _, c := range classes {
			b.WriteString(c)
		}
	}
	return b.String()
}

// mermaidSafeID replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case StatusCurrent:
		return "current"
	case StatusVisited, StatusCompleted:
		return "visited"
	case StatusPaused:
		return "paused"
	case StatusFailed:
		return "failed"
	default:
		return ""
	}
}
