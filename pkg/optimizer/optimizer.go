package optimizer

import (
	"context"
	"fmt"

	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/examples/AI/fractal/pkg/rnn"
	"k8s.io/klog/v2"
)

type Options struct {
	// Rate is the learning rate. For Adadelta it scales the computed delta.
	Rate float32
	// Momentum enables Nesterov momentum when positive.
	Momentum float32
	// Rmsprop divides the gradient by a running RMS.
	Rmsprop bool
	// Adadelta replaces the gradient step with the Adadelta delta.
	Adadelta bool
	// DecayRate overrides the RMS decay rate of every connection when set.
	DecayRate float32
}

// Optimizer applies the accumulated gradients of an Rnn to its weights. The
// gradients are the negative loss gradient, so every update adds to the
// weights.
type Optimizer struct {
	options Options
}

func New(options Options) (*Optimizer, error) {
	if options.Rmsprop && options.Adadelta {
		return nil, fmt.Errorf("rmsprop and adadelta together: %w", engine.ErrUnsupported)
	}
	if options.Momentum < 0 || options.Momentum >= 1 {
		return nil, fmt.Errorf("momentum %v: %w", options.Momentum, engine.ErrUnsupported)
	}
	return &Optimizer{options: options}, nil
}

func (o *Optimizer) Options() Options {
	return o.options
}

func (o *Optimizer) Rate() float32 {
	return o.options.Rate
}

func (o *Optimizer) SetRate(rate float32) {
	o.options.Rate = rate
}

// Init resets the optimizer state of every connection.
func (o *Optimizer) Init(ctx context.Context, r *rnn.Rnn) error {
	for _, c := range r.Connections() {
		if err := o.init(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (o *Optimizer) init(ctx context.Context, c *rnn.Connection) error {
	if o.options.DecayRate != 0 {
		c.SetDecayRate(o.options.DecayRate)
	}
	if o.options.Momentum > 0 {
		if err := c.InitNesterov(ctx); err != nil {
			return err
		}
	}
	switch {
	case o.options.Adadelta:
		return c.InitAdadelta(ctx)
	case o.options.Rmsprop:
		return c.InitRmsprop(ctx)
	}
	return nil
}

// Update enqueues the weight update of every connection after the backward
// pass that produced the gradients. It does not block.
func (o *Optimizer) Update(ctx context.Context, r *rnn.Rnn) error {
	if r.Direction() != rnn.DirectionBackward || r.State() == rnn.PassIdle {
		return fmt.Errorf("updating weights without a backward pass: %w", engine.ErrPassOrder)
	}
	for _, c := range r.Connections() {
		if err := o.UpdateConnection(ctx, c); err != nil {
			return fmt.Errorf("updating %s: %w", c.ID(), err)
		}
	}
	klog.FromContext(ctx).V(4).Info("updated weights", "rate", o.options.Rate, "pass", r.Pass())
	return nil
}

// UpdateConnection applies simplified Nesterov momentum (Bengio et al.):
//
//	W -= mu*v
//	v  = mu*v + step
//	W += (1+mu)*v
//
// where step is rate*g, rate*g/rms(g) or the Adadelta delta. Without
// momentum it is W += step. Optimizer state is initialized on first use.
func (o *Optimizer) UpdateConnection(ctx context.Context, c *rnn.Connection) error {
	if c.IsIdentity() {
		return nil
	}
	mu := o.options.Momentum
	if (mu > 0 && !c.HasMomentum()) ||
		(o.options.Adadelta && !c.HasAdadelta()) ||
		(o.options.Rmsprop && !c.HasRmsprop()) {
		if err := o.init(ctx, c); err != nil {
			return err
		}
	}

	e := c.Weights().Engine()
	s := c.Stream()
	weights, momentum := c.Weights(), c.Momentum()

	if mu > 0 {
		if err := e.MatAxpy(-mu, momentum, weights, s); err != nil {
			return err
		}
	}

	step, scale := c.Gradient(), o.options.Rate
	switch {
	case o.options.Adadelta:
		if err := e.FuncAdadelta(c.Gradient(), c.MsDeriv(), c.MsDelta(), c.Step(), o.options.Rate, c.DecayRate(), s); err != nil {
			return err
		}
		step, scale = c.Step(), 1
	case o.options.Rmsprop:
		if err := e.FuncRmsprop(c.Gradient(), c.MsDeriv(), c.Step(), c.DecayRate(), s); err != nil {
			return err
		}
		step = c.Step()
	}

	if mu == 0 {
		return e.MatAxpy(scale, step, weights, s)
	}
	if err := e.MatAxpy(mu-1, momentum, momentum, s); err != nil {
		return err
	}
	if err := e.MatAxpy(scale, step, momentum, s); err != nil {
		return err
	}
	return e.MatAxpy(1+mu, momentum, weights, s)
}
