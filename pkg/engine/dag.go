package engine

import "fmt"

// DAGNode is a computation that consumes and produces named values.
type DAGNode interface {
	Dependencies() []string
	Produces() []string
}

// BuildDAG orders nodes so that each runs after the nodes producing its dependencies.
// Nodes that can never run are left out; an error is returned only if a wanted value is unreachable.
func BuildDAG[N DAGNode](nodes []N, available []string, want []string) ([]int, error) {
	evaluationOrder := make([]int, 0, len(nodes))
	done := make(map[int]bool)
	ready := make(map[string]bool)
	for _, name := range available {
		ready[name] = true
	}

	for {
		progress := false
		for i, node := range nodes {
			if done[i] {
				continue
			}

			runnable := true
			for _, dep := range node.Dependencies() {
				if dep != "" && !ready[dep] {
					runnable = false
					break
				}
			}
			if runnable {
				done[i] = true
				evaluationOrder = append(evaluationOrder, i)
				for _, out := range node.Produces() {
					ready[out] = true
				}
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, name := range want {
		if !ready[name] {
			return nil, fmt.Errorf("value %q could not be computed (unreachable in computation graph)", name)
		}
	}

	return evaluationOrder, nil
}
