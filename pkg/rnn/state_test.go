package rnn

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/examples/AI/fractal/pkg/engine/fallback"
)

const gatedArchitecture = `{
  "layers": [
    {"name": "in", "activation": "linear", "size": 2},
    {"name": "hidden", "activation": "tanh", "size": 3, "stateful": true},
    {"name": "gate", "activation": "sigmoid", "size": 3},
    {"name": "product", "activation": "linear", "size": 3, "multiply": true},
    {"name": "out", "activation": "linear", "size": 1}
  ],
  "connections": [
    {"source": "in", "destination": "hidden"},
    {"source": "hidden", "destination": "hidden", "delay": 1},
    {"source": "in", "destination": "gate"},
    {"source": "hidden", "destination": "product", "identity": true},
    {"source": "gate", "destination": "product", "identity": true},
    {"source": "product", "destination": "out"}
  ],
  "inputs": ["in"],
  "outputs": ["out"]
}`

func buildNetwork(t *testing.T, ctx context.Context, data string, options fallback.Options) *Network {
	a, err := ParseArchitecture([]byte(data))
	if err != nil {
		t.Fatalf("ParseArchitecture failed: %v", err)
	}
	e := fallback.New(options)
	n, err := a.Build(ctx, e, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() {
		if err := n.Close(); err != nil {
			t.Errorf("closing network: %v", err)
		}
		if err := e.Close(); err != nil {
			t.Errorf("closing engine: %v", err)
		}
	})
	return n
}

func TestSaveLoadState(t *testing.T) {
	ctx := context.Background()
	source := buildNetwork(t, ctx, gatedArchitecture, fallback.Options{Seed: 1})
	if err := source.Rnn.InitWeights(ctx, 0, 1); err != nil {
		t.Fatalf("InitWeights failed: %v", err)
	}
	recurrence, err := source.Rnn.Connection("hidden", "hidden")
	if err != nil {
		t.Fatalf("%v", err)
	}
	if err := recurrence.InitNesterov(ctx); err != nil {
		t.Fatalf("InitNesterov failed: %v", err)
	}
	if err := recurrence.InitRmsprop(ctx); err != nil {
		t.Fatalf("InitRmsprop failed: %v", err)
	}
	recurrence.SetDecayRate(0.95)

	states, err := source.Rnn.SaveState(ctx)
	if err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if len(states) != 6 {
		t.Fatalf("expected 6 connection states, got %d", len(states))
	}
	for _, s := range states {
		if s.ID() == "hidden->hidden" {
			if s.Momentum.Empty() || s.MsDeriv.Empty() || !s.MsDelta.Empty() {
				t.Errorf("unexpected optimizer state for %s: %+v", s.ID(), s)
			}
		}
		if s.ID() == "hidden->product" && !s.Weights.Empty() {
			t.Errorf("identity connection should carry no weights")
		}
	}

	target := buildNetwork(t, ctx, gatedArchitecture, fallback.Options{Seed: 2})
	if err := target.Rnn.LoadState(ctx, states); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	loaded, err := target.Rnn.SaveState(ctx)
	if err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if !reflect.DeepEqual(states, loaded) {
		t.Errorf("state did not survive a round trip:\n%+v\n%+v", states, loaded)
	}

	bad := append([]ConnectionState(nil), states...)
	bad[len(bad)-1].Weights = TensorState{Rows: 2, Cols: 3, Values: make([]float32, 6)}
	if err := target.Rnn.LoadState(ctx, bad); !errors.Is(err, engine.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	shapeOnly := append([]ConnectionState(nil), states...)
	shapeOnly[len(shapeOnly)-1].Weights = TensorState{Rows: 2, Cols: 3}
	if err := target.Rnn.LoadState(ctx, shapeOnly); !errors.Is(err, engine.ErrShapeMismatch) {
		t.Errorf("shape without values: expected ErrShapeMismatch, got %v", err)
	}
	unknown := append([]ConnectionState(nil), states...)
	unknown[0].Source = "missing"
	if err := target.Rnn.LoadState(ctx, unknown); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	after, err := target.Rnn.SaveState(ctx)
	if err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if !reflect.DeepEqual(states, after) {
		t.Errorf("rejected loads must not change the network")
	}
}

func TestArchitectureEvaluate(t *testing.T) {
	ctx := context.Background()
	n := buildNetwork(t, ctx, `{
  "layers": [
    {"name": "in", "activation": "linear", "size": 2},
    {"name": "hidden", "activation": "linear", "size": 2},
    {"name": "out", "activation": "linear", "size": 1}
  ],
  "connections": [
    {"source": "in", "destination": "hidden"},
    {"source": "hidden", "destination": "hidden", "delay": 1},
    {"source": "hidden", "destination": "out"}
  ],
  "inputs": ["in"],
  "outputs": ["out"]
}`, fallback.Options{})

	weights := map[string][]float32{
		"in->hidden":     {1, 0, 0, 1},
		"hidden->hidden": {0.5, 0, 0, 0.5},
		"hidden->out":    {1, 1},
	}
	for _, c := range n.Rnn.Connections() {
		writeWeights(t, ctx, c, weights[c.ID()]...)
	}

	results, err := n.Evaluate(ctx, 2, 3, map[string][]float32{"in": chainInput}, []string{"out"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	want := []float32{1, 11, 2.5, 17.5, 4.25, 21.75}
	if !closeEnough(results["out"], want, 1e-5) {
		t.Errorf("expected %v, got %v", want, results["out"])
	}

	if _, err := n.Evaluate(ctx, 2, 3, nil, []string{"out"}); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("missing input: expected ErrNotFound, got %v", err)
	}
	if _, err := n.Evaluate(ctx, 2, 3, map[string][]float32{"in": chainInput}, []string{"hidden"}); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("unknown output: expected ErrNotFound, got %v", err)
	}
	if _, err := n.Evaluate(ctx, 1, 3, map[string][]float32{"in": chainInput}, []string{"out"}); !errors.Is(err, engine.ErrDimensionMismatch) {
		t.Errorf("wrong input length: expected ErrDimensionMismatch, got %v", err)
	}

	results, err = n.Evaluate(ctx, 2, 3, map[string][]float32{"in": chainInput}, []string{"out"})
	if err != nil {
		t.Fatalf("Evaluate after failures failed: %v", err)
	}
	if !closeEnough(results["out"], want, 1e-5) {
		t.Errorf("expected %v, got %v", want, results["out"])
	}
}

func TestEvaluateReportsStreamFaults(t *testing.T) {
	ctx := context.Background()
	n := buildNetwork(t, ctx, `{
  "layers": [
    {"name": "in", "activation": "linear", "size": 1},
    {"name": "out", "activation": "linear", "size": 1}
  ],
  "connections": [
    {"source": "in", "destination": "out"}
  ],
  "inputs": ["in"],
  "outputs": ["out"]
}`, fallback.Options{})
	for _, c := range n.Rnn.Connections() {
		writeWeights(t, ctx, c, 3e38)
	}
	inputs := map[string][]float32{"in": {10}}

	_, err := n.Evaluate(ctx, 1, 1, inputs, []string{"missing"})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if !errors.Is(err, engine.ErrNumericFault) {
		t.Errorf("expected the overflow to be reported too, got %v", err)
	}

	if _, err := n.Evaluate(ctx, 1, 1, inputs, []string{"out"}); !errors.Is(err, engine.ErrNumericFault) {
		t.Errorf("expected ErrNumericFault, got %v", err)
	}
}

func TestArchitectureErrors(t *testing.T) {
	ctx := context.Background()
	grid := []struct {
		name string
		data string
		want error
	}{
		{
			name: "activation",
			data: `{"layers": [{"name": "a", "activation": "cubic", "size": 1}]}`,
			want: engine.ErrUnsupported,
		},
		{
			name: "cycle",
			data: `{"layers": [{"name": "a", "activation": "linear", "size": 1}, {"name": "b", "activation": "linear", "size": 1}],
			        "connections": [{"source": "a", "destination": "b"}, {"source": "b", "destination": "a"}]}`,
			want: engine.ErrZeroDelayCycle,
		},
		{
			name: "probe",
			data: `{"layers": [{"name": "a", "activation": "linear", "size": 1}], "inputs": ["b"]}`,
			want: engine.ErrNotFound,
		},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			a, err := ParseArchitecture([]byte(g.data))
			if err != nil {
				t.Fatalf("ParseArchitecture failed: %v", err)
			}
			e := fallback.New(fallback.Options{})
			defer e.Close()
			if _, err := a.Build(ctx, e, Options{}); !errors.Is(err, g.want) {
				t.Errorf("expected %v, got %v", g.want, err)
			}
		})
	}
}
