package engine

import (
	"github.com/floehq/floe/pkg/schema"
)

// Graph is the in-memory directed acyclic graph representation of a workflow.
// Built from a WorkflowDefinition, used by the Runner to determine execution
// order and branch routing.
type Graph struct {
	Nodes   map[string]*schema.Node   // node ID → definition
	Out     map[string][]*schema.Edge // node ID → outgoing edges
	In      map[string][]string       // node ID → upstream node IDs
	Sorted  []string                  // topological order
	Roots   []string                  // nodes with no upstream edges
	Levels  [][]string                // parallel execution levels
	Trigger string                    // the trigger node ID
}

var validNodeKinds = map[schema.NodeKind]bool{
	schema.NodeKindTrigger:        true,
	schema.NodeKindMpesa:          true,
	schema.NodeKindAfricasTalking: true,
	schema.NodeKindWhatsApp:       true,
	schema.NodeKindEmail:          true,
	schema.NodeKindEtr:            true,
	schema.NodeKindCondition:      true,
	schema.NodeKindTransform:      true,
}

// ParseGraph parses a WorkflowDefinition into an executable Graph.
// It validates nodes and edges, performs topological sorting using Kahn's
// algorithm, detects cycles, and computes parallel execution levels.
func ParseGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &Graph{
		Nodes: make(map[string]*schema.Node, len(def.Nodes)),
		Out:   make(map[string][]*schema.Edge, len(def.Nodes)),
		In:    make(map[string][]string, len(def.Nodes)),
	}

	// First pass: register nodes, check for duplicates, decode configs so
	// malformed definitions fail at parse time instead of mid-run.
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if !validNodeKinds[node.Kind] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind: %s", node.ID, node.Kind)
		}
		if _, err := schema.DecodeNodeConfig(*node); err != nil {
			return nil, err
		}
		if node.Kind == schema.NodeKindTrigger {
			if g.Trigger != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"workflow has multiple trigger nodes: %s and %s", g.Trigger, node.ID)
			}
			g.Trigger = node.ID
		}
		g.Nodes[node.ID] = node
	}
	if g.Trigger == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no trigger node")
	}

	// Second pass: build adjacency lists and validate edges.
	for i := range def.Edges {
		edge := &def.Edges[i]
		src, ok := g.Nodes[edge.Source]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown source node: %s", edge.Source)
		}
		if _, ok := g.Nodes[edge.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown target node: %s", edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s has an edge to itself", edge.Source)
		}
		if edge.Target == g.Trigger {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger node %s cannot have incoming edges", g.Trigger)
		}

		if edge.BranchTag != "" {
			if src.Kind != schema.NodeKindCondition {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"edge %s -> %s has branch tag %q on a non-condition source",
					edge.Source, edge.Target, edge.BranchTag)
			}
			cfg, err := schema.DecodeNodeConfig(*src)
			if err != nil {
				return nil, err
			}
			if routes := cfg.(*schema.ConditionConfig).Routes(); !routes[edge.BranchTag] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"edge %s -> %s uses branch tag %q not produced by the condition",
					edge.Source, edge.Target, edge.BranchTag)
			}
		}

		g.Out[edge.Source] = append(g.Out[edge.Source], edge)
		g.In[edge.Target] = append(g.In[edge.Target], edge.Source)
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.In[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		downstream := make([]string, 0, len(g.Out[node]))
		for _, edge := range g.Out[node] {
			downstream = append(downstream, edge.Target)
		}
		sortStrings(downstream)

		for _, next := range downstream {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}
	g.Sorted = sorted
	g.Levels = computeLevels(g)

	return g, nil
}

// computeLevels groups nodes into parallel execution levels. Nodes at the
// same level have all upstream nodes satisfied by previous levels.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Nodes))

	for _, id := range g.Sorted {
		maxUp := -1
		for _, up := range g.In[id] {
			if depth[up] > maxUp {
				maxUp = depth[up]
			}
		}
		depth[id] = maxUp + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// Downstream returns all node IDs transitively reachable from the given node.
func (g *Graph) Downstream(id string) []string {
	visited := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, edge := range g.Out[cur] {
			if !visited[edge.Target] {
				visited[edge.Target] = true
				walk(edge.Target)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(visited))
	for nid := range visited {
		out = append(out, nid)
	}
	sortStrings(out)
	return out
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to keep ordering deterministic.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
