// Package diagram renders workflow definitions as Mermaid, ASCII, or PNG
// diagrams, optionally overlaying the node statuses of a run.
package diagram

import "github.com/floehq/floe/pkg/schema"

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   schema.NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.NodeRunStatus
	DurationMs int64
	Error      string
}

// Edge represents a dependency between two nodes. Label carries the branch
// tag on edges leaving a condition node.
type Edge struct {
	From  string
	To    string
	Label string
}
