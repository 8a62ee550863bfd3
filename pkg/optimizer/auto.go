package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/examples/AI/fractal/pkg/rnn"
	"k8s.io/klog/v2"
)

type AutoOptions struct {
	Options

	// MinRate ends training once the learning rate decays below it.
	MinRate float32
	// MaxRetries is the number of epochs in a row that may fail to improve
	// before training falls back to the pivot and decays the rate.
	MaxRetries int
	// RateDecay multiplies the learning rate on every fallback.
	RateDecay float32
	// MaxEpochs bounds the number of epochs when positive.
	MaxEpochs int
}

// DefaultAutoOptions are the settings the training binaries start from.
func DefaultAutoOptions() AutoOptions {
	return AutoOptions{
		Options: Options{
			Rate:      1e-5,
			Momentum:  0.9,
			DecayRate: 0.95,
		},
		MinRate:    1e-7,
		MaxRetries: 4,
		RateDecay:  0.5,
	}
}

// TrainFunc trains the network for one epoch, calling opt.Update after each
// backward pass. It returns with the network synchronized.
type TrainFunc func(ctx context.Context, opt *Optimizer) error

// EvalFunc returns the loss of the network on held-out data.
type EvalFunc func(ctx context.Context) (float64, error)

type Result struct {
	Epochs          int
	BestLoss        float64
	TrainedEpochs   int
	DiscardedEpochs int
	Rate            float32
}

// AutoOptimizer trains epoch by epoch and tunes the learning rate. When the
// loss fails to improve for more than MaxRetries epochs, the network goes
// back to the last state that improved and the rate decays. A numeric fault
// during an epoch counts as an infinite loss. The best state is restored at
// the end.
type AutoOptimizer struct {
	options AutoOptions
}

func NewAuto(options AutoOptions) *AutoOptimizer {
	return &AutoOptimizer{options: options}
}

func (a *AutoOptimizer) Run(ctx context.Context, r *rnn.Rnn, train TrainFunc, evaluate EvalFunc) (*Result, error) {
	log := klog.FromContext(ctx)

	opt, err := New(a.options.Options)
	if err != nil {
		return nil, err
	}
	if err := opt.Init(ctx, r); err != nil {
		return nil, err
	}

	save := func() ([]rnn.ConnectionState, error) {
		return r.SaveState(ctx)
	}
	prev, err := save()
	if err != nil {
		return nil, err
	}
	best, pivot := prev, prev

	result := &Result{Rate: opt.Rate(), BestLoss: math.Inf(1)}
	trained, trainedAtPivot, trainedAtBest := 0, 0, 0
	prevLoss, pivotLoss := 0.0, 0.0
	retries := 0

	for a.options.MaxEpochs <= 0 || result.Epochs < a.options.MaxEpochs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Epochs++

		loss, err := a.epoch(ctx, r, opt, train, evaluate)
		if err != nil {
			return nil, err
		}
		trained++
		log.Info("finished epoch", "epoch", result.Epochs, "loss", loss, "rate", opt.Rate(), "trained", trained)

		if loss < result.BestLoss {
			result.BestLoss = loss
			trainedAtBest = trained
			if best, err = save(); err != nil {
				return nil, err
			}
		}

		if trained > 1 && prevLoss < loss {
			retries++
			if retries <= a.options.MaxRetries {
				log.Info("loss did not improve", "retry", retries, "maxRetries", a.options.MaxRetries)
				continue
			}
			retries = 0
			opt.SetRate(opt.Rate() * a.options.RateDecay)
			if opt.Rate() < a.options.MinRate {
				break
			}
			if err := r.LoadState(ctx, pivot); err != nil {
				return nil, err
			}
			prev = pivot
			result.DiscardedEpochs += trained - trainedAtPivot
			log.Info("falling back", "discarded", trained-trainedAtPivot, "rate", opt.Rate())
			trained = trainedAtPivot
			prevLoss = pivotLoss
			continue
		}

		retries = 0
		pivotLoss = prevLoss
		prevLoss = loss
		pivot = prev
		if prev, err = save(); err != nil {
			return nil, err
		}
		trainedAtPivot = trained - 1
	}

	if err := r.LoadState(ctx, best); err != nil {
		return nil, err
	}
	result.TrainedEpochs = trainedAtBest
	result.Rate = opt.Rate()
	return result, nil
}

// epoch trains and evaluates once. A numeric fault is reported as an
// infinite loss so that the retry policy handles it.
func (a *AutoOptimizer) epoch(ctx context.Context, r *rnn.Rnn, opt *Optimizer, train TrainFunc, evaluate EvalFunc) (float64, error) {
	if err := train(ctx, opt); err != nil {
		if errors.Is(err, engine.ErrNumericFault) {
			klog.FromContext(ctx).Error(err, "training diverged")
			return math.Inf(1), r.Synchronize(ctx)
		}
		return 0, fmt.Errorf("training: %w", err)
	}
	loss, err := evaluate(ctx)
	if errors.Is(err, engine.ErrNumericFault) || math.IsNaN(loss) {
		return math.Inf(1), r.Synchronize(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("evaluating: %w", err)
	}
	return loss, nil
}
