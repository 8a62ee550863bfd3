package main

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"k8s.io/examples/AI/fractal/pkg/engine/fallback"
	"k8s.io/examples/AI/fractal/pkg/optimizer"
	"k8s.io/examples/AI/fractal/pkg/rnn"
)

func TestEchoBatch(t *testing.T) {
	task := &echoTask{size: 2, delay: 1, scale: 3, rng: rand.New(rand.NewSource(1))}
	b := task.batch(2, 3)
	stride := 4
	for i := range stride {
		if b.targets[i] != 0 {
			t.Errorf("target %d before the delay should be 0, got %v", i, b.targets[i])
		}
	}
	for i := stride; i < len(b.targets); i++ {
		if b.targets[i] != 3*b.inputs[i-stride] {
			t.Errorf("target %d: expected %v, got %v", i, 3*b.inputs[i-stride], b.targets[i])
		}
	}
}

func TestTrainEcho(t *testing.T) {
	ctx := context.Background()
	a, err := rnn.ParseArchitecture([]byte(`{
  "layers": [
    {"name": "in", "activation": "linear", "size": 1},
    {"name": "out", "activation": "linear", "size": 1}
  ],
  "connections": [{"source": "in", "destination": "out", "delay": 1}],
  "inputs": ["in"],
  "outputs": ["out"]
}`))
	if err != nil {
		t.Fatalf("ParseArchitecture failed: %v", err)
	}
	e := fallback.New(fallback.Options{})
	defer e.Close()
	n, err := a.Build(ctx, e, rnn.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer n.Close()

	c, err := n.Rnn.Connection("in", "out")
	if err != nil {
		t.Fatalf("%v", err)
	}
	if err := c.WriteWeights(ctx, []float32{0}); err != nil {
		t.Fatalf("WriteWeights failed: %v", err)
	}

	task := &echoTask{size: 1, delay: 1, scale: 2, rng: rand.New(rand.NewSource(1))}
	tr, err := newTrainer(n, task, 4, 5, 5, 2)
	if err != nil {
		t.Fatalf("newTrainer failed: %v", err)
	}
	initial, err := tr.evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	options := optimizer.AutoOptions{
		Options:    optimizer.Options{Rate: 0.05},
		MinRate:    1e-6,
		MaxRetries: 2,
		RateDecay:  0.5,
		MaxEpochs:  10,
	}
	result, err := optimizer.NewAuto(options).Run(ctx, n.Rnn, tr.train, tr.evaluate)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	t.Logf("initial loss %g, result %+v", initial, result)
	if result.BestLoss > initial/100 {
		t.Errorf("loss went from %g to %g", initial, result.BestLoss)
	}

	w, err := c.ReadWeights(ctx)
	if err != nil {
		t.Fatalf("ReadWeights failed: %v", err)
	}
	if math.Abs(float64(w[0])-2) > 0.05 {
		t.Errorf("expected a weight close to 2, got %v", w[0])
	}
}
