package rnn

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/klog/v2"
)

// Evaluate runs one forward pass over numSteps steps of batchSize sequences.
// inputs holds the activation of every input layer and the result holds the
// activation of each requested output layer, laid out step by step, sequence
// by sequence, with Size values each.
func (n *Network) Evaluate(ctx context.Context, batchSize, numSteps int, inputs map[string][]float32, outputs []string) (map[string][]float32, error) {
	log := klog.FromContext(ctx)
	r := n.Rnn

	if err := r.SetBatchSize(ctx, batchSize, numSteps); err != nil {
		return nil, err
	}
	if err := r.InitForward(ctx); err != nil {
		return nil, err
	}
	for name, p := range n.Inputs {
		values, found := inputs[name]
		if !found {
			return nil, fmt.Errorf("no values for input %q: %w", name, engine.ErrNotFound)
		}
		if err := p.SetInput(ctx, 0, numSteps-1, values); err != nil {
			return nil, err
		}
	}
	for name := range inputs {
		if _, found := n.Inputs[name]; !found {
			return nil, fmt.Errorf("input %q: %w", name, engine.ErrNotFound)
		}
	}
	if err := r.Forward(ctx, 0, numSteps-1); err != nil {
		return nil, err
	}

	results := make(map[string][]float32, len(outputs))
	for _, name := range outputs {
		p, found := n.Outputs[name]
		if !found {
			return nil, errors.Join(fmt.Errorf("output %q: %w", name, engine.ErrNotFound), r.Synchronize(ctx))
		}
		values, err := p.GetActivation(ctx, 0, numSteps-1)
		if err != nil {
			return nil, errors.Join(err, r.Synchronize(ctx))
		}
		results[name] = values
	}
	if err := r.Synchronize(ctx); err != nil {
		return nil, err
	}
	log.V(2).Info("evaluated", "batchSize", batchSize, "numSteps", numSteps, "outputs", outputs)
	return results, nil
}
