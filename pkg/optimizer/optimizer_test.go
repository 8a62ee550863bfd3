package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/examples/AI/fractal/pkg/engine/fallback"
	"k8s.io/examples/AI/fractal/pkg/rnn"
)

// scalarNetwork builds in(1) -> out(1) with weight w. With input 2 and
// error 1 the gradient is always 2.
func scalarNetwork(t *testing.T, ctx context.Context, w float32) (*rnn.Rnn, *rnn.Connection, *rnn.Probe, *rnn.Probe) {
	e := fallback.New(fallback.Options{})
	r, err := rnn.New(e, rnn.Options{})
	if err != nil {
		t.Fatalf("failed to create rnn: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		e.Close()
	})
	for _, name := range []string{"in", "out"} {
		if _, err := r.AddLayer(name, engine.ActLinear, rnn.Stateless, 1); err != nil {
			t.Fatalf("AddLayer failed: %v", err)
		}
	}
	c, err := r.AddConnection("in", "out", 0, false)
	if err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}
	in := rnn.NewProbe("in", rnn.ProbeInput)
	out := rnn.NewProbe("out", rnn.ProbeOutput)
	if err := r.LinkProbe(in, "in"); err != nil {
		t.Fatalf("LinkProbe failed: %v", err)
	}
	if err := r.LinkProbe(out, "out"); err != nil {
		t.Fatalf("LinkProbe failed: %v", err)
	}
	if err := r.SetBatchSize(ctx, 1, 1); err != nil {
		t.Fatalf("SetBatchSize failed: %v", err)
	}
	if err := c.WriteWeights(ctx, []float32{w}); err != nil {
		t.Fatalf("WriteWeights failed: %v", err)
	}
	return r, c, in, out
}

func step(ctx context.Context, r *rnn.Rnn, in, out *rnn.Probe, opt *Optimizer) error {
	if err := r.InitForward(ctx); err != nil {
		return err
	}
	if err := in.SetInput(ctx, 0, 0, []float32{2}); err != nil {
		return err
	}
	if err := r.Forward(ctx, 0, 0); err != nil {
		return err
	}
	if err := r.InitBackward(ctx); err != nil {
		return err
	}
	if err := out.SetError(ctx, 0, 0, []float32{1}); err != nil {
		return err
	}
	if err := r.Backward(ctx, 0, 0); err != nil {
		return err
	}
	if err := opt.Update(ctx, r); err != nil {
		return err
	}
	return r.Synchronize(ctx)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	grid := []struct {
		name    string
		options Options
		want    []float32
	}{
		{
			name:    "sgd",
			options: Options{Rate: 0.1},
			want:    []float32{1.2, 1.4},
		},
		{
			// v = 0.2, W = 1 + 1.5*0.2; then W -= 0.1, v = 0.3, W += 1.5*0.3
			name:    "nesterov",
			options: Options{Rate: 0.1, Momentum: 0.5},
			want:    []float32{1.3, 1.65},
		},
		{
			// ms = 0.9 + 0.1*4
			name:    "rmsprop",
			options: Options{Rate: 0.1, Rmsprop: true, DecayRate: 0.9},
			want:    []float32{1 + 0.1*2/float32(math.Sqrt(1.3))},
		},
		{
			// msDeriv = 1.3, delta = sqrt(1e-6)/sqrt(1.3)*2
			name:    "adadelta",
			options: Options{Rate: 1, Adadelta: true, DecayRate: 0.9},
			want:    []float32{1 + 2e-3/float32(math.Sqrt(1.3))},
		},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			r, c, in, out := scalarNetwork(t, ctx, 1)
			opt, err := New(g.options)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			for i, want := range g.want {
				if err := step(ctx, r, in, out, opt); err != nil {
					t.Fatalf("step %d failed: %v", i, err)
				}
				got, err := c.ReadWeights(ctx)
				if err != nil {
					t.Fatalf("ReadWeights failed: %v", err)
				}
				if math.Abs(float64(got[0]-want)) > 1e-5 {
					t.Errorf("step %d: expected %v, got %v", i, want, got[0])
				}
			}
		})
	}
}

func TestOptionsAreChecked(t *testing.T) {
	if _, err := New(Options{Rmsprop: true, Adadelta: true}); !errors.Is(err, engine.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if _, err := New(Options{Momentum: 1}); !errors.Is(err, engine.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestUpdateNeedsBackwardPass(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := scalarNetwork(t, ctx, 1)
	opt, err := New(Options{Rate: 0.1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := opt.Update(ctx, r); !errors.Is(err, engine.ErrPassOrder) {
		t.Errorf("expected ErrPassOrder, got %v", err)
	}
}

func TestAutoOptimizer(t *testing.T) {
	ctx := context.Background()
	r, c, _, _ := scalarNetwork(t, ctx, 0)

	epoch := 0
	losses := []float64{5, 4, 0, 7, 3}
	// Every epoch adds its number to the weight; epoch 3 diverges.
	train := func(ctx context.Context, opt *Optimizer) error {
		epoch++
		w, err := c.ReadWeights(ctx)
		if err != nil {
			return err
		}
		if err := c.WriteWeights(ctx, []float32{w[0] + float32(epoch)}); err != nil {
			return err
		}
		if epoch == 3 {
			return fmt.Errorf("epoch %d: %w", epoch, engine.ErrNumericFault)
		}
		return nil
	}
	evaluate := func(ctx context.Context) (float64, error) {
		return losses[epoch-1], nil
	}

	options := AutoOptions{
		Options:    Options{Rate: 1},
		MinRate:    0.01,
		MaxRetries: 1,
		RateDecay:  0.5,
		MaxEpochs:  5,
	}
	result, err := NewAuto(options).Run(ctx, r, train, evaluate)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := Result{Epochs: 5, BestLoss: 3, TrainedEpochs: 2, DiscardedEpochs: 3, Rate: 0.5}
	if *result != want {
		t.Errorf("expected %+v, got %+v", want, *result)
	}

	// Epoch 4 fell back to the state after epoch 1, so the best state is 1 + 5.
	w, err := c.ReadWeights(ctx)
	if err != nil {
		t.Fatalf("ReadWeights failed: %v", err)
	}
	if w[0] != 6 {
		t.Errorf("expected weight 6, got %v", w[0])
	}
}
