// Package diagram builds the §6 "Diagram" external interface: a
// node/edge graph of one task's steps plus a Mermaid-compatible flowchart
// string rendering of it. Data only — no HTML/image rendering engine, that
// belongs to the outer HTTP layer this core library is consumed by.
//
// Node/edge construction follows the teacher's dagNode/dag map-building
// shape in services/orchestrator/dag_engine.go (buildDAG): one map entry per
// step, one edge per dependency, roots have no incoming edges.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/swarmguard/tasker/pkg/tasker/model"
)

// Node is one step rendered in the diagram.
type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Shape string `json:"shape"`
	Style string `json:"style"`
	URL   string `json:"url,omitempty"`
}

// Edge is one dependency rendered in the diagram.
type Edge struct {
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id"`
	Label     string `json:"label,omitempty"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

// Diagram is the full §6 diagram output shape.
type Diagram struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	Direction string `json:"direction"`
	Title     string `json:"title"`
}

// styleByState maps a step's current state to a Mermaid class-friendly
// style token, so a rendered diagram visually distinguishes a stuck task's
// failed/blocked steps from its completed ones at a glance.
var styleByState = map[model.StepState]string{
	model.StepPending:          "fill:#eee,stroke:#999",
	model.StepInProgress:       "fill:#fef3c7,stroke:#d97706",
	model.StepComplete:         "fill:#dcfce7,stroke:#16a34a",
	model.StepError:            "fill:#fee2e2,stroke:#dc2626",
	model.StepCancelled:        "fill:#e5e7eb,stroke:#6b7280",
	model.StepResolvedManually: "fill:#dbeafe,stroke:#2563eb",
}

// Build assembles a Diagram from one task's readiness rows and step edges.
// title is typically the task's named task identity (e.g.
// "checkout/default@0.1.0").
func Build(title string, rows []model.ReadinessRow, edges []model.WorkflowStepEdge) Diagram {
	byID := make(map[string]model.ReadinessRow, len(rows))
	for _, r := range rows {
		byID[r.WorkflowStepID] = r
	}

	nodes := make([]Node, 0, len(rows))
	for _, r := range rows {
		style, ok := styleByState[r.CurrentState]
		if !ok {
			style = styleByState[model.StepPending]
		}
		nodes = append(nodes, Node{
			ID:    r.WorkflowStepID,
			Label: fmt.Sprintf("%s\n(%s)", r.Name, r.CurrentState),
			Shape: "rect",
			Style: style,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	diagEdges := make([]Edge, 0, len(edges))
	for _, e := range edges {
		diagEdges = append(diagEdges, Edge{
			SourceID:  e.FromStepID,
			TargetID:  e.ToStepID,
			Label:     e.Name,
			Type:      "dependency",
			Direction: "forward",
		})
	}
	sort.Slice(diagEdges, func(i, j int) bool {
		if diagEdges[i].SourceID != diagEdges[j].SourceID {
			return diagEdges[i].SourceID < diagEdges[j].SourceID
		}
		return diagEdges[i].TargetID < diagEdges[j].TargetID
	})

	return Diagram{
		Nodes:     nodes,
		Edges:     diagEdges,
		Direction: "TD",
		Title:     title,
	}
}

// mermaidID rewrites a step ID into a Mermaid-safe node identifier: Mermaid
// node IDs can't contain hyphens or dots unquoted, which task/step IDs
// commonly do.
func mermaidID(id string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return "n_" + r.Replace(id)
}

// Mermaid renders d as a Mermaid-compatible flowchart string: `flowchart
// <direction>`, one node-definition line per node with HTML <br/> line
// breaks in place of the label's newline, one edge line per edge with
// pipe-delimited labels, and a style line per node.
func (d Diagram) Mermaid() string {
	var b strings.Builder
	fmt.Fprintf(&b, "flowchart %s\n", d.Direction)

	for _, n := range d.Nodes {
		label := strings.ReplaceAll(n.Label, "\n", "<br/>")
		fmt.Fprintf(&b, "    %s[%q]\n", mermaidID(n.ID), label)
	}
	for _, e := range d.Edges {
		if e.Label != "" {
			fmt.Fprintf(&b, "    %s -->|%s| %s\n", mermaidID(e.SourceID), e.Label, mermaidID(e.TargetID))
		} else {
			fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(e.SourceID), mermaidID(e.TargetID))
		}
	}
	for _, n := range d.Nodes {
		fmt.Fprintf(&b, "    style %s %s\n", mermaidID(n.ID), n.Style)
	}
	return b.String()
}
