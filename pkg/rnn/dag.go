package rnn

// buildOrder sweeps nodes in the given order, repeatedly taking every node
// whose dependencies are all taken, until a sweep makes no progress. Nodes
// left over sit on a dependency cycle or depend on one.
func buildOrder[T comparable](nodes []T, dependencies func(T) []T) (order []T, remaining []T) {
	order = make([]T, 0, len(nodes))
	done := make(map[T]bool, len(nodes))

	for {
		progress := false
		for _, node := range nodes {
			if done[node] {
				continue
			}

			ready := true
			for _, dep := range dependencies(node) {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[node] = true
				order = append(order, node)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, node := range nodes {
		if !done[node] {
			remaining = append(remaining, node)
		}
	}
	return order, remaining
}
