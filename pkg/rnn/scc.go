package rnn

import (
	"fmt"
	"slices"

	"k8s.io/examples/AI/fractal/pkg/engine"
)

type component struct {
	layers []*Layer
}

// stronglyConnected finds the strongly connected components of the graph
// over every connection, delayed or not (Tarjan). Layers inside a component
// are in definition order.
func stronglyConnected(layers []*Layer) []*component {
	position := make(map[*Layer]int, len(layers))
	for i, l := range layers {
		position[l] = i
	}

	index := make(map[*Layer]int, len(layers))
	low := make(map[*Layer]int, len(layers))
	onStack := make(map[*Layer]bool, len(layers))
	var stack []*Layer
	var components []*component
	next := 0

	var visit func(l *Layer)
	visit = func(l *Layer) {
		index[l] = next
		low[l] = next
		next++
		stack = append(stack, l)
		onStack[l] = true

		for _, c := range l.srcConnections {
			w := c.src
			if _, seen := index[w]; !seen {
				visit(w)
				low[l] = min(low[l], low[w])
			} else if onStack[w] {
				low[l] = min(low[l], index[w])
			}
		}

		if low[l] == index[l] {
			comp := &component{}
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp.layers = append(comp.layers, w)
				if w == l {
					break
				}
			}
			slices.SortFunc(comp.layers, func(a, b *Layer) int {
				return position[a] - position[b]
			})
			components = append(components, comp)
		}
	}

	for _, l := range layers {
		if _, seen := index[l]; !seen {
			visit(l)
		}
	}

	slices.SortFunc(components, func(a, b *component) int {
		return position[a.layers[0]] - position[b.layers[0]]
	})
	return components
}

// decompose returns the layer groups in evaluation order: a group follows
// every group it reads from, and layers inside a group follow their
// zero-delay sources. A cycle of zero-delay connections has no valid order
// and fails with ErrZeroDelayCycle.
func decompose(layers []*Layer) ([][]*Layer, error) {
	components := stronglyConnected(layers)
	componentOf := make(map[*Layer]*component, len(layers))
	for _, comp := range components {
		for _, l := range comp.layers {
			componentOf[l] = comp
		}
	}

	order, remaining := buildOrder(components, func(comp *component) []*component {
		var deps []*component
		for _, l := range comp.layers {
			for _, c := range l.srcConnections {
				if dep := componentOf[c.src]; dep != comp && !slices.Contains(deps, dep) {
					deps = append(deps, dep)
				}
			}
		}
		return deps
	})
	if len(remaining) != 0 {
		return nil, fmt.Errorf("condensed graph is not acyclic at %q", remaining[0].layers[0].name)
	}

	groups := make([][]*Layer, 0, len(order))
	for _, comp := range order {
		inner, stuck := buildOrder(comp.layers, func(l *Layer) []*Layer {
			var deps []*Layer
			for _, c := range l.srcConnections {
				if c.delay == 0 && componentOf[c.src] == comp {
					deps = append(deps, c.src)
				}
			}
			return deps
		})
		if len(stuck) != 0 {
			return nil, fmt.Errorf("layers %v cannot be ordered within one time step: %w", layerNames(stuck), engine.ErrZeroDelayCycle)
		}
		groups = append(groups, inner)
	}
	return groups, nil
}

// isRecurrent reports whether a group feeds back into itself, so that it has
// to be evaluated one time step at a time.
func isRecurrent(layers []*Layer) bool {
	if len(layers) > 1 {
		return true
	}
	for _, c := range layers[0].srcConnections {
		if c.src == layers[0] {
			return true
		}
	}
	return false
}
