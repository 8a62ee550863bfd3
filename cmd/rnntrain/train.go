package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"k8s.io/examples/AI/fractal/pkg/optimizer"
	"k8s.io/examples/AI/fractal/pkg/rnn"
	"k8s.io/klog/v2"
)

// echoTask asks the network to repeat its input, scaled, delay steps later.
// Values are laid out step by step, sequence by sequence.
type echoTask struct {
	size  int
	delay int
	scale float32
	rng   *rand.Rand
}

type batch struct {
	inputs  []float32
	targets []float32
}

func (t *echoTask) batch(batchSize, numSteps int) batch {
	stride := batchSize * t.size
	b := batch{
		inputs:  make([]float32, numSteps*stride),
		targets: make([]float32, numSteps*stride),
	}
	for i := range b.inputs {
		b.inputs[i] = t.rng.Float32()*2 - 1
	}
	for i := range b.targets {
		if src := i - t.delay*stride; src >= 0 {
			b.targets[i] = t.scale * b.inputs[src]
		}
	}
	return b
}

type trainer struct {
	network *rnn.Network
	input   *rnn.Probe
	output  *rnn.Probe
	task    *echoTask

	batchSize int
	numSteps  int
	// batches is the number of training batches per epoch.
	batches    int
	validation []batch
}

func newTrainer(network *rnn.Network, task *echoTask, batchSize, numSteps, batches, validationBatches int) (*trainer, error) {
	if batches <= 0 || validationBatches <= 0 {
		return nil, fmt.Errorf("need training and validation batches, got %d and %d", batches, validationBatches)
	}
	if len(network.Inputs) != 1 || len(network.Outputs) != 1 {
		return nil, fmt.Errorf("expected one input and one output, got %d and %d", len(network.Inputs), len(network.Outputs))
	}
	t := &trainer{
		network:   network,
		task:      task,
		batchSize: batchSize,
		numSteps:  numSteps,
		batches:   batches,
	}
	for _, p := range network.Inputs {
		t.input = p
	}
	for _, p := range network.Outputs {
		t.output = p
	}
	for _, p := range []*rnn.Probe{t.input, t.output} {
		l, err := p.Layer()
		if err != nil {
			return nil, err
		}
		if l.Size() != task.size {
			return nil, fmt.Errorf("layer %q has size %d, the task needs %d", l.Name(), l.Size(), task.size)
		}
	}
	for range validationBatches {
		t.validation = append(t.validation, task.batch(batchSize, numSteps))
	}
	return t, nil
}

// forward runs the network over b and returns the half squared error and the
// error signal.
func (t *trainer) forward(ctx context.Context, b batch) (float64, []float32, error) {
	r := t.network.Rnn
	last := t.numSteps - 1

	if err := r.InitForward(ctx); err != nil {
		return 0, nil, err
	}
	if err := t.input.SetInput(ctx, 0, last, b.inputs); err != nil {
		return 0, nil, err
	}
	if err := r.Forward(ctx, 0, last); err != nil {
		return 0, nil, err
	}
	outputs, err := t.output.GetActivation(ctx, 0, last)
	if err != nil {
		return 0, nil, errors.Join(err, r.Synchronize(ctx))
	}

	loss := 0.0
	errs := make([]float32, len(outputs))
	for i, y := range outputs {
		d := b.targets[i] - y
		errs[i] = d
		loss += float64(d*d) / 2
	}
	return loss / float64(len(outputs)), errs, nil
}

func (t *trainer) step(ctx context.Context, opt *optimizer.Optimizer, b batch) error {
	r := t.network.Rnn
	_, errs, err := t.forward(ctx, b)
	if err != nil {
		return err
	}
	if err := r.InitBackward(ctx); err != nil {
		return errors.Join(err, r.Synchronize(ctx))
	}
	if err := t.output.SetError(ctx, 0, t.numSteps-1, errs); err != nil {
		return errors.Join(err, r.Synchronize(ctx))
	}
	if err := r.Backward(ctx, 0, t.numSteps-1); err != nil {
		return err
	}
	if err := opt.Update(ctx, r); err != nil {
		return errors.Join(err, r.Synchronize(ctx))
	}
	return r.Synchronize(ctx)
}

func (t *trainer) train(ctx context.Context, opt *optimizer.Optimizer) error {
	if err := t.network.Rnn.SetBatchSize(ctx, t.batchSize, t.numSteps); err != nil {
		return err
	}
	for i := range t.batches {
		if err := t.step(ctx, opt, t.task.batch(t.batchSize, t.numSteps)); err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
	}
	return nil
}

func (t *trainer) evaluate(ctx context.Context) (float64, error) {
	r := t.network.Rnn
	if err := r.SetBatchSize(ctx, t.batchSize, t.numSteps); err != nil {
		return 0, err
	}
	total := 0.0
	for _, b := range t.validation {
		loss, _, err := t.forward(ctx, b)
		if err != nil {
			return 0, err
		}
		if err := r.Synchronize(ctx); err != nil {
			return 0, err
		}
		total += loss
	}
	loss := total / float64(len(t.validation))
	klog.FromContext(ctx).V(2).Info("evaluated", "loss", loss)
	return loss, nil
}
