package diagram

import (
	"strings"
	"testing"

	"github.com/swarmguard/tasker/pkg/tasker/model"
)

func sampleRows() []model.ReadinessRow {
	return []model.ReadinessRow{
		{WorkflowStepID: "s1", Name: "fetch", CurrentState: model.StepComplete},
		{WorkflowStepID: "s2", Name: "transform", CurrentState: model.StepInProgress},
		{WorkflowStepID: "s3", Name: "load", CurrentState: model.StepError},
	}
}

func sampleEdges() []model.WorkflowStepEdge {
	return []model.WorkflowStepEdge{
		{FromStepID: "s1", ToStepID: "s2"},
		{FromStepID: "s2", ToStepID: "s3", Name: "on_success"},
	}
}

func TestBuildProducesOneNodePerStep(t *testing.T) {
	d := Build("checkout/default@0.1.0", sampleRows(), sampleEdges())
	if len(d.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(d.Nodes))
	}
	if d.Direction != "TD" {
		t.Fatalf("expected TD direction, got %q", d.Direction)
	}
	if d.Title != "checkout/default@0.1.0" {
		t.Fatalf("unexpected title %q", d.Title)
	}
}

func TestBuildProducesOneEdgePerDependency(t *testing.T) {
	d := Build("t", sampleRows(), sampleEdges())
	if len(d.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(d.Edges))
	}
	if d.Edges[1].Label != "on_success" {
		t.Fatalf("expected the second edge's label to survive, got %q", d.Edges[1].Label)
	}
}

func TestBuildStylesNodesByCurrentState(t *testing.T) {
	d := Build("t", sampleRows(), nil)
	for _, n := range d.Nodes {
		if n.Style == "" {
			t.Fatalf("expected every node to have a non-empty style, got %+v", n)
		}
	}
	var errNode Node
	for _, n := range d.Nodes {
		if n.ID == "s3" {
			errNode = n
		}
	}
	if !strings.Contains(errNode.Style, "dc2626") {
		t.Fatalf("expected the errored step's style to use the error color, got %q", errNode.Style)
	}
}

func TestBuildDefaultsUnknownStateToPendingStyle(t *testing.T) {
	rows := []model.ReadinessRow{{WorkflowStepID: "s1", Name: "x", CurrentState: model.StepState("bogus")}}
	d := Build("t", rows, nil)
	if d.Nodes[0].Style != styleByState[model.StepPending] {
		t.Fatalf("expected an unknown state to fall back to the pending style, got %q", d.Nodes[0].Style)
	}
}

func TestMermaidRendersFlowchartDirective(t *testing.T) {
	d := Build("t", sampleRows(), sampleEdges())
	out := d.Mermaid()
	if !strings.HasPrefix(out, "flowchart TD\n") {
		t.Fatalf("expected a flowchart TD header, got %q", out)
	}
}

func TestMermaidEscapesNodeIDsAndBreaksLabelLines(t *testing.T) {
	d := Build("t", sampleRows(), sampleEdges())
	out := d.Mermaid()
	if strings.Contains(out, "n_s1-") {
		t.Fatalf("expected hyphen-free mermaid IDs, got %q", out)
	}
	if !strings.Contains(out, "<br/>") {
		t.Fatalf("expected label newlines rendered as <br/>, got %q", out)
	}
}

func TestMermaidRendersPipeDelimitedEdgeLabels(t *testing.T) {
	d := Build("t", sampleRows(), sampleEdges())
	out := d.Mermaid()
	if !strings.Contains(out, "-->|on_success|") {
		t.Fatalf("expected a pipe-delimited edge label, got %q", out)
	}
	if !strings.Contains(out, "n_s1 --> n_s2") {
		t.Fatalf("expected an unlabeled edge to render without pipes, got %q", out)
	}
}

func TestMermaidEmitsStyleLinePerNode(t *testing.T) {
	d := Build("t", sampleRows(), nil)
	out := d.Mermaid()
	count := strings.Count(out, "style n_")
	if count != len(d.Nodes) {
		t.Fatalf("expected %d style lines, got %d", len(d.Nodes), count)
	}
}
