package graph

import "sort"

// DependencyIndex answers reachability questions over a validated graph.
// The tracker uses it for eligibility checks and the planner for restricting
// retry executions to failed nodes and their downstream dependents.
type DependencyIndex struct {
	dependsOn  map[string][]string
	dependents map[string][]string
}

// NewDependencyIndex builds the forward and reverse adjacency of a graph.
// The graph is assumed to have passed Validate.
func NewDependencyIndex(nodes []Node) *DependencyIndex {
	idx := &DependencyIndex{
		dependsOn:  make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}
	for _, n := range nodes {
		idx.dependsOn[n.ID] = append([]string(nil), n.DependsOn...)
		for _, dep := range n.DependsOn {
			idx.dependents[dep] = append(idx.dependents[dep], n.ID)
		}
	}
	return idx
}

// DependsOn returns the direct dependencies of a node.
func (idx *DependencyIndex) DependsOn(id string) []string {
	return idx.dependsOn[id]
}

// Dependents returns the nodes directly depending on id.
func (idx *DependencyIndex) Dependents(id string) []string {
	return idx.dependents[id]
}

// DownstreamClosure returns the seed nodes plus everything transitively
// depending on them, sorted.
func (idx *DependencyIndex) DownstreamClosure(seeds []string) []string {
	visited := make(map[string]bool)
	stack := append([]string(nil), seeds...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, idx.dependents[id]...)
	}

	closure := make([]string, 0, len(visited))
	for id := range visited {
		closure = append(closure, id)
	}
	sort.Strings(closure)
	return closure
}

// CanReach reports whether target is reachable from any node in from,
// walking dependent edges.
func (idx *DependencyIndex) CanReach(from []string, target string) bool {
	for _, id := range idx.DownstreamClosure(from) {
		if id == target {
			return true
		}
	}
	return false
}
