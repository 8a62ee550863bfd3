package rnn

import (
	"context"
	"errors"
	"math"
	"testing"

	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/examples/AI/fractal/pkg/engine/fallback"
)

// lstmNetwork builds x -> lstm -> y with a shared bias layer.
func lstmNetwork(t *testing.T, options fallback.Options, size int) (*Rnn, *Lstm, *Probe, *Probe) {
	r := newRnn(t, options)
	addLayer(t, r, "bias", engine.ActBias, 1)
	addLayer(t, r, "x", engine.ActLinear, size)
	b, err := r.AddLstmLayer("lstm", "bias", 1, size)
	if err != nil {
		t.Fatalf("AddLstmLayer failed: %v", err)
	}
	addLayer(t, r, "y", engine.ActLinear, size)
	for _, gate := range []string{LstmInput, LstmInputGate, LstmForgetGate, LstmOutputGate} {
		connect(t, r, "x", "lstm."+gate, 0)
	}
	connect(t, r, "lstm."+LstmOutput, "y", 0)
	in := linkProbe(t, r, "x", ProbeInput)
	out := linkProbe(t, r, "y", ProbeOutput)
	return r, b, in, out
}

func sigmoid64(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func TestLstmForward(t *testing.T) {
	ctx := context.Background()
	r, _, in, out := lstmNetwork(t, fallback.Options{}, 1)
	if err := r.SetBatchSize(ctx, 1, 3); err != nil {
		t.Fatalf("SetBatchSize failed: %v", err)
	}

	const (
		wz, wi, wf, wo = 0.5, 0.4, -0.3, 0.6
		bz, bi, bf, bo = 0.1, 0.2, 1, -0.1
		pi, pf, po     = 0.3, -0.2, 0.5
		rz, ri, rf, ro = 0.7, -0.4, 0.2, 0.3
	)
	weights := map[string]float32{
		"x->lstm.input":                     wz,
		"x->lstm.inputGate":                 wi,
		"x->lstm.forgetGate":                wf,
		"x->lstm.outputGate":                wo,
		"bias->lstm.input":                  bz,
		"bias->lstm.inputGate":              bi,
		"bias->lstm.forgetGate":             bf,
		"bias->lstm.outputGate":             bo,
		"bias->lstm.inputGatePeep":          pi,
		"bias->lstm.forgetGatePeep":         pf,
		"bias->lstm.outputGatePeep":         po,
		"lstm.outputDelay->lstm.input":      rz,
		"lstm.outputDelay->lstm.inputGate":  ri,
		"lstm.outputDelay->lstm.forgetGate": rf,
		"lstm.outputDelay->lstm.outputGate": ro,
		"lstm.output->y":                    1,
	}
	for _, c := range r.Connections() {
		if c.IsIdentity() {
			continue
		}
		w, found := weights[c.ID()]
		if !found {
			t.Fatalf("unexpected weighted connection %s", c.ID())
		}
		writeWeights(t, ctx, c, w)
	}

	x := []float64{1, -0.5, 2}
	var want []float32
	h, cell := 0.0, 0.0
	for _, v := range x {
		z := math.Tanh(wz*v + bz + rz*h)
		i := sigmoid64(wi*v + bi + ri*h + pi*cell)
		f := sigmoid64(wf*v + bf + rf*h + pf*cell)
		cell = z*i + f*cell
		o := sigmoid64(wo*v + bo + ro*h + po*cell)
		h = math.Tanh(cell) * o
		want = append(want, float32(h))
	}

	if err := r.InitForward(ctx); err != nil {
		t.Fatalf("InitForward failed: %v", err)
	}
	if err := in.SetInput(ctx, 0, 2, []float32{1, -0.5, 2}); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}
	if err := r.Forward(ctx, 0, 2); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	got, err := out.GetActivation(ctx, 0, 2)
	if err != nil {
		t.Fatalf("GetActivation failed: %v", err)
	}
	if err := r.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if !closeEnough(got, want, 1e-5) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLstmGradientCheck(t *testing.T) {
	ctx := context.Background()
	r, _, in, out := lstmNetwork(t, fallback.Options{Seed: 3}, 2)

	const batchSize, numSteps = 2, 4
	if err := r.SetBatchSize(ctx, batchSize, numSteps); err != nil {
		t.Fatalf("SetBatchSize failed: %v", err)
	}
	if err := r.InitWeights(ctx, 0, 0.5); err != nil {
		t.Fatalf("InitWeights failed: %v", err)
	}

	inputs := make([]float32, 2*batchSize*numSteps)
	targets := make([]float32, 2*batchSize*numSteps)
	for i := range inputs {
		inputs[i] = float32(math.Sin(float64(i) / 2))
		targets[i] = float32(math.Cos(float64(i))) / 4
	}
	checkGradients(t, ctx, r, in, out, inputs, targets, numSteps)
}

func TestAddLstmLayerErrors(t *testing.T) {
	r := newRnn(t, fallback.Options{})
	addLayer(t, r, "bias", engine.ActBias, 1)
	addLayer(t, r, "x", engine.ActLinear, 1)

	if _, err := r.AddLstmLayer("lstm", "missing", 1, 2); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("missing bias: expected ErrNotFound, got %v", err)
	}
	if _, err := r.AddLstmLayer("lstm", "x", 1, 2); !errors.Is(err, engine.ErrUnsupported) {
		t.Errorf("bias that is not a bias layer: expected ErrUnsupported, got %v", err)
	}
	if _, err := r.AddLstmLayer("lstm", "bias", 0, 2); !errors.Is(err, engine.ErrUnsupported) {
		t.Errorf("no delay: expected ErrUnsupported, got %v", err)
	}
	if _, err := r.AddLstmLayer("lstm", "bias", 1, 0); !errors.Is(err, engine.ErrDimensionMismatch) {
		t.Errorf("empty block: expected ErrDimensionMismatch, got %v", err)
	}
	if got := len(r.Layers()); got != 2 {
		t.Errorf("rejected blocks must not leave layers behind, got %d layers", got)
	}

	if _, err := r.AddLstmLayer("lstm", "bias", 1, 2); err != nil {
		t.Fatalf("AddLstmLayer failed: %v", err)
	}
	if _, err := r.AddLstmLayer("lstm", "bias", 1, 2); !errors.Is(err, engine.ErrDuplicate) {
		t.Errorf("second block of the same name: expected ErrDuplicate, got %v", err)
	}
	if got := len(r.Layers()); got != 2+len(lstmLayers) {
		t.Errorf("expected %d layers, got %d", 2+len(lstmLayers), got)
	}
}

func TestArchitectureLstm(t *testing.T) {
	ctx := context.Background()
	n := buildNetwork(t, ctx, `{
  "layers": [
    {"name": "bias", "activation": "bias", "size": 1},
    {"name": "in", "activation": "linear", "size": 2},
    {"name": "out", "activation": "linear", "size": 1}
  ],
  "lstms": [
    {"name": "lstm", "bias": "bias", "size": 3, "forgetGateBias": 1}
  ],
  "connections": [
    {"source": "in", "destination": "lstm.input"},
    {"source": "in", "destination": "lstm.inputGate"},
    {"source": "in", "destination": "lstm.forgetGate"},
    {"source": "in", "destination": "lstm.outputGate"},
    {"source": "lstm.output", "destination": "out"}
  ],
  "inputs": ["in"],
  "outputs": ["out"],
  "init": {"mean": 0, "stdev": 0}
}`, fallback.Options{})

	c, err := n.Rnn.Connection("bias", "lstm.forgetGate")
	if err != nil {
		t.Fatalf("%v", err)
	}
	w, err := c.ReadWeights(ctx)
	if err != nil {
		t.Fatalf("ReadWeights failed: %v", err)
	}
	if !closeEnough(w, []float32{1, 1, 1}, 0) {
		t.Errorf("expected forget gate bias 1, got %v", w)
	}

	results, err := n.Evaluate(ctx, 1, 2, map[string][]float32{"in": {1, 2, 3, 4}}, []string{"out"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	// Every weight into out is zero.
	if !closeEnough(results["out"], []float32{0, 0}, 0) {
		t.Errorf("expected zero output, got %v", results["out"])
	}
}
