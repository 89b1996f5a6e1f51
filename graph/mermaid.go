package graph

import (
	"fmt"
	"sort"
	"strings"
)

// MermaidOptions configures diagram rendering.
type MermaidOptions struct {
	// Direction of the flowchart, e.g. "TD" or "LR".
	Direction string

	// ShowConditions labels edges with their conditions.
	ShowConditions bool
}

// Mermaid renders the graph as a Mermaid flowchart with default
// options.
func (g *GraphSpec) Mermaid() string {
	return g.MermaidWithOptions(MermaidOptions{Direction: "TD", ShowConditions: true})
}

// MermaidWithOptions renders the graph as a Mermaid flowchart.
func (g *GraphSpec) MermaidWithOptions(opts MermaidOptions) string {
	direction := opts.Direction
	if direction == "" {
		direction = "TD"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("flowchart %s\n", direction))

	sb.WriteString("    START([\"START\"])\n")
	sb.WriteString("    style START fill:#90EE90\n")
	sb.WriteString(fmt.Sprintf("    START --> %s\n", g.EntryNode))

	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := g.nodesByID[id]
		label := n.Name
		if label == "" {
			label = n.ID
		}
		switch {
		case g.terminals[id]:
			sb.WriteString(fmt.Sprintf("    %s([\"%s\"])\n", id, label))
			sb.WriteString(fmt.Sprintf("    style %s fill:#FFB6C1\n", id))
		case n.Type == NodeRouter:
			sb.WriteString(fmt.Sprintf("    %s{\"%s\"}\n", id, label))
		case n.Type == NodeClientInput:
			sb.WriteString(fmt.Sprintf("    %s[/\"%s\"/]\n", id, label))
		case n.Type == NodeSubGraph:
			sb.WriteString(fmt.Sprintf("    %s[[\"%s\"]]\n", id, label))
		default:
			sb.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", id, label))
		}
	}

	edges := make([]*EdgeSpec, 0, len(g.Edges))
	for i := range g.Edges {
		edges = append(edges, &g.Edges[i])
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	for _, e := range edges {
		arrow := "-->"
		if e.Parallel {
			arrow = "==>"
		}
		if opts.ShowConditions && e.Condition != "always" {
			sb.WriteString(fmt.Sprintf("    %s %s|\"%s\"| %s\n", e.Source, arrow, escapeMermaid(e.Condition), e.Target))
			continue
		}
		sb.WriteString(fmt.Sprintf("    %s %s %s\n", e.Source, arrow, e.Target))
	}

	return sb.String()
}

func escapeMermaid(s string) string {
	s = strings.ReplaceAll(s, "\"", "#quot;")
	s = strings.ReplaceAll(s, "|", "#124;")
	return s
}
