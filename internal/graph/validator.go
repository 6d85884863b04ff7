// Package graph implements the DAG validator shared by schedule meta-DAGs and
// pipeline step DAGs. Both levels reduce to the same node-plus-dependencies
// shape; validation is a pure function run at save time and again at plan time.
package graph

import (
	"fmt"
	"sort"

	"etl-engine/internal/common/errors"
	"etl-engine/internal/models"
)

// Node is the level-agnostic DAG vertex: an id plus the ids it depends on.
type Node struct {
	ID        string
	DependsOn []string
}

// Validate checks a dependency graph and returns a topological order.
//
// It rejects duplicate ids, dangling references (an edge to a nonexistent
// node) and cycles. Cycle errors name the node set left with unresolved
// dependencies after Kahn's algorithm drains. The returned order is
// deterministic: ties break lexicographically.
func Validate(nodes []Node) ([]string, error) {
	index := make(map[string]*Node, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if _, exists := index[n.ID]; exists {
			return nil, errors.ValidationError(fmt.Sprintf("duplicate node id %q", n.ID)).
				WithCode("GRAPH_DUPLICATE_NODE").
				WithContext("node", n.ID)
		}
		index[n.ID] = n
	}

	// dependents[a] lists nodes that wait on a; inDegree counts unmet deps
	dependents := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		if _, ok := inDegree[n.ID]; !ok {
			inDegree[n.ID] = 0
		}
		for _, dep := range n.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, errors.ValidationError(
					fmt.Sprintf("node %q depends on nonexistent node %q", n.ID, dep)).
					WithCode("GRAPH_DANGLING_REF").
					WithContext("node", n.ID).
					WithContext("missing", dep)
			}
			dependents[dep] = append(dependents[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	// Kahn's algorithm: repeatedly drain the in-degree-zero frontier
	queue := make([]string, 0, len(nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := make([]string, 0)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(order) != len(nodes) {
		// Whatever still has unmet dependencies participates in a cycle
		// (or depends on one)
		cycle := make([]string, 0)
		for id, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, errors.ValidationError(
			fmt.Sprintf("cycle detected involving nodes %v", cycle)).
			WithCode("GRAPH_CYCLE").
			WithContext("nodes", cycle)
	}

	return order, nil
}

// Layers groups a valid graph into batches whose members only depend on
// earlier batches. Members of one layer have no ordering relationship and may
// run concurrently. Layer contents are sorted for deterministic dispatch.
func Layers(nodes []Node) ([][]string, error) {
	if _, err := Validate(nodes); err != nil {
		return nil, err
	}

	done := make(map[string]bool, len(nodes))
	remaining := make(map[string]*Node, len(nodes))
	for i := range nodes {
		remaining[nodes[i].ID] = &nodes[i]
	}

	var layers [][]string
	for len(remaining) > 0 {
		layer := make([]string, 0)
		for id, n := range remaining {
			ready := true
			for _, dep := range n.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			}
		}
		sort.Strings(layer)
		for _, id := range layer {
			done[id] = true
			delete(remaining, id)
		}
		layers = append(layers, layer)
	}

	return layers, nil
}

// ScheduleNodes converts a schedule meta-DAG into validator nodes.
func ScheduleNodes(dag []models.DAGNode) []Node {
	nodes := make([]Node, len(dag))
	for i, n := range dag {
		nodes[i] = Node{ID: n.ID, DependsOn: n.DependsOn}
	}
	return nodes
}

// StepNodes derives the step DAG of a pipeline from its port wiring: a step
// consuming input port P depends on every step producing output port P.
//
// Wiring rules enforced here:
//   - extract steps must not declare an input port
//   - transform/load steps must declare one
//   - a declared input must be produced by at least one other step
func StepNodes(steps []models.PipelineStep) ([]Node, error) {
	producers := make(map[string][]string)
	for _, s := range steps {
		if s.Output != "" {
			producers[s.Output] = append(producers[s.Output], s.ID)
		}
	}

	nodes := make([]Node, 0, len(steps))
	for _, s := range steps {
		if s.Type == models.StepTypeExtract {
			if s.Input != "" {
				return nil, errors.ValidationError(
					fmt.Sprintf("extract step %q must not declare input port %q", s.ID, s.Input)).
					WithCode("GRAPH_PORT_MISMATCH").
					WithContext("step", s.ID)
			}
			nodes = append(nodes, Node{ID: s.ID})
			continue
		}

		if s.Input == "" {
			return nil, errors.ValidationError(
				fmt.Sprintf("%s step %q requires an input port", s.Type, s.ID)).
				WithCode("GRAPH_PORT_MISMATCH").
				WithContext("step", s.ID)
		}

		deps := make([]string, 0)
		for _, producer := range producers[s.Input] {
			if producer != s.ID {
				deps = append(deps, producer)
			}
		}
		if len(deps) == 0 {
			return nil, errors.ValidationError(
				fmt.Sprintf("step %q consumes port %q which no upstream step produces", s.ID, s.Input)).
				WithCode("GRAPH_PORT_MISMATCH").
				WithContext("step", s.ID).
				WithContext("port", s.Input)
		}
		sort.Strings(deps)
		nodes = append(nodes, Node{ID: s.ID, DependsOn: deps})
	}

	return nodes, nil
}

// ValidateSteps validates a pipeline step DAG (port wiring plus acyclicity)
// and returns a topological order of step ids.
func ValidateSteps(steps []models.PipelineStep) ([]string, error) {
	nodes, err := StepNodes(steps)
	if err != nil {
		return nil, err
	}
	return Validate(nodes)
}
