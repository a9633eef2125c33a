package diagram

import (
	"fmt"

	"github.com/floehq/floe/internal/engine"
	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/pkg/schema"
)

// Build constructs a Model from a workflow definition and optional node run
// rows. Topology comes from engine.ParseGraph, so an invalid definition is
// rejected the same way the executor would reject it.
func Build(title string, def *schema.WorkflowDefinition, nodeRuns []*store.NodeRun) (*Model, error) {
	g, err := engine.ParseGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	runMap := make(map[string]*store.NodeRun, len(nodeRuns))
	for _, nr := range nodeRuns {
		runMap[nr.NodeID] = nr
	}

	nodes := make([]*Node, 0, len(g.Sorted))
	for _, nodeID := range g.Sorted {
		nd := g.Nodes[nodeID]
		node := &Node{
			ID:    nodeID,
			Label: nodeLabel(nd),
			Kind:  nd.Kind,
		}
		if nr, ok := runMap[nodeID]; ok {
			errStr := ""
			if len(nr.Error) > 0 {
				errStr = string(nr.Error)
			}
			node.Status = &StatusOverlay{
				Status:     string(nr.Status),
				DurationMs: nr.DurationMs,
				Error:      errStr,
			}
		}
		nodes = append(nodes, node)
	}

	edges := make([]Edge, 0, len(def.Edges))
	for _, e := range def.Edges {
		edges = append(edges, Edge{From: e.Source, To: e.Target, Label: e.BranchTag})
	}

	if title == "" {
		title = "Workflow"
	}

	return &Model{
		Title:  title,
		Nodes:  nodes,
		Edges:  edges,
		Levels: g.Levels,
	}, nil
}

// nodeLabel creates a human-readable label. Provider nodes show their
// operation when one is configured.
func nodeLabel(node *schema.Node) string {
	detail := string(node.Kind)
	if op := node.Config["operation"]; op != "" {
		detail = fmt.Sprintf("%s: %s", node.Kind, op)
	}
	if node.Kind == schema.NodeKindTrigger {
		return node.ID
	}
	return fmt.Sprintf("%s\n(%s)", node.ID, detail)
}
