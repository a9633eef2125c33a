package validation

import (
	"fmt"

	"github.com/floehq/floe/internal/engine"
	"github.com/floehq/floe/internal/template"
	"github.com/floehq/floe/pkg/schema"
)

// validateDAG runs the same graph analysis the engine performs at run start
// (cycles, trigger shape, branch tags) so editors hear about graph problems
// at save time, then adds checks the engine tolerates: nodes unreachable
// from the trigger and templates referencing non-upstream nodes.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := engine.ParseGraph(def)
	if err != nil {
		result.AddError("/", schema.ErrorCode(err), err.Error())
		return result
	}

	reachable := reachableFromTrigger(g)
	for _, id := range g.Sorted {
		if !reachable[id] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", id), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is not reachable from the trigger", id))
		}
	}

	checkUpstreamReferences(def, g, result)

	return result
}

// reachableFromTrigger BFSes the forward edges starting at the trigger.
func reachableFromTrigger(g *engine.Graph) map[string]bool {
	reachable := map[string]bool{g.Trigger: true}
	queue := []string{g.Trigger}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range g.Out[id] {
			if !reachable[edge.Target] {
				reachable[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}
	return reachable
}

// checkUpstreamReferences warns when a template references a node that is
// not an ancestor. The reference is legal but resolves to the empty string
// (or a resolution error in strict mode) because the referenced output is
// never published before the node runs.
func checkUpstreamReferences(def *schema.WorkflowDefinition, g *engine.Graph, result *schema.ValidationResult) {
	ancestorSets := make(map[string]map[string]bool, len(g.Sorted))
	for _, id := range g.Sorted {
		ancestors := make(map[string]bool)
		for _, up := range g.In[id] {
			ancestors[up] = true
			for a := range ancestorSets[up] {
				ancestors[a] = true
			}
		}
		ancestorSets[id] = ancestors
	}

	for i, node := range def.Nodes {
		cfg, err := schema.DecodeNodeConfig(node)
		if err != nil {
			continue // semantic stage already reported it
		}
		fields := templateFields(cfg)
		if c, ok := cfg.(*schema.ConditionConfig); ok {
			for j, rule := range c.Rules {
				if rule.Operand != "" {
					fields[fmt.Sprintf("rules[%d].operand", j)] = rule.Operand
				}
			}
		}

		for field, value := range fields {
			for _, ref := range template.References(value) {
				if ref == "trigger" || ref == node.ID {
					continue
				}
				if !ancestorSets[node.ID][ref] {
					result.AddWarning(fmt.Sprintf("nodes[%d].config.%s", i, field),
						schema.ErrCodeValidation,
						fmt.Sprintf("template references %q, which is not upstream of %q and resolves only at runtime", ref, node.ID))
				}
			}
		}
	}
}
