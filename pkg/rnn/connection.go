package rnn

import (
	"context"
	"fmt"

	"k8s.io/examples/AI/fractal/pkg/engine"
)

// DefaultDecayRate is the RMS decay rate of a new connection.
const DefaultDecayRate = 0.9

// Connection feeds the activation of src, delayed by delay steps, into the
// state of dst. Weighted connections hold a dst.size x src.size weight
// matrix and its gradient; identity connections add the activation as is.
type Connection struct {
	rnn      *Rnn
	src      *Layer
	dst      *Layer
	delay    int
	identity bool

	weights  *engine.Matrix
	gradient *engine.Matrix
	momentum *engine.Matrix
	msDeriv  *engine.Matrix
	msDelta  *engine.Matrix
	// step receives the update computed by an optimizer.
	step *engine.Matrix

	// srcErr is the error this connection sends back to src, one column per
	// source step.
	srcErr *engine.Matrix
	// dstAct and dstErr hold the contribution of the connection to an AggMult
	// destination and the error flowing back through it.
	dstAct *engine.Matrix
	dstErr *engine.Matrix

	decayRate float32
}

func newConnection(r *Rnn, src, dst *Layer, delay int, identity bool) *Connection {
	location := r.options.Location
	rows, cols := dst.size, src.size
	if identity {
		rows, cols = 0, 0
	}
	weights := func() *engine.Matrix {
		return engine.NewMatrix(r.engine, location, rows, cols)
	}
	return &Connection{
		rnn:       r,
		src:       src,
		dst:       dst,
		delay:     delay,
		identity:  identity,
		weights:   weights(),
		gradient:  weights(),
		momentum:  weights(),
		msDeriv:   weights(),
		msDelta:   weights(),
		step:      weights(),
		srcErr:    engine.NewMatrix(r.engine, location, src.size, 0),
		dstAct:    engine.NewMatrix(r.engine, location, dst.size, 0),
		dstErr:    engine.NewMatrix(r.engine, location, dst.size, 0),
		decayRate: DefaultDecayRate,
	}
}

// ID identifies the connection in saved state.
func (c *Connection) ID() string {
	return c.src.name + "->" + c.dst.name
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection %s (delay %d)", c.ID(), c.delay)
}

func (c *Connection) Source() *Layer {
	return c.src
}

func (c *Connection) Destination() *Layer {
	return c.dst
}

func (c *Connection) Delay() int {
	return c.delay
}

func (c *Connection) IsDelayed() bool {
	return c.delay > 0
}

func (c *Connection) IsIdentity() bool {
	return c.identity
}

func (c *Connection) DecayRate() float32 {
	return c.decayRate
}

func (c *Connection) SetDecayRate(rate float32) {
	c.decayRate = rate
}

// Stream is where every kernel touching the connection's weights runs: the
// stream of the destination's group, or the setup stream before a schedule
// exists.
func (c *Connection) Stream() *engine.Stream {
	if c.dst.group != nil && c.dst.group.stream != nil {
		return c.dst.group.stream
	}
	return c.rnn.setup
}

// Weights, Gradient and the optimizer state are only to be used by kernels
// issued on Stream.
func (c *Connection) Weights() *engine.Matrix {
	return c.weights
}

func (c *Connection) Gradient() *engine.Matrix {
	return c.gradient
}

func (c *Connection) Momentum() *engine.Matrix {
	return c.momentum
}

func (c *Connection) MsDeriv() *engine.Matrix {
	return c.msDeriv
}

func (c *Connection) MsDelta() *engine.Matrix {
	return c.msDelta
}

func (c *Connection) Step() *engine.Matrix {
	return c.step
}

func (c *Connection) HasMomentum() bool {
	return c.momentum.Mem().Valid()
}

func (c *Connection) HasRmsprop() bool {
	return c.msDeriv.Mem().Valid()
}

func (c *Connection) HasAdadelta() bool {
	return c.msDeriv.Mem().Valid() && c.msDelta.Mem().Valid()
}

// run issues op on the connection's stream. Work on the setup stream is
// waited for, so that a schedule derived later starts from settled buffers.
func (c *Connection) run(ctx context.Context, op func(s *engine.Stream) error) error {
	s := c.Stream()
	if err := op(s); err != nil {
		return fmt.Errorf("%v: %w", c, err)
	}
	if s == c.rnn.setup {
		if err := c.rnn.engine.StreamSynchronize(ctx, s); err != nil {
			return fmt.Errorf("%v: %w", c, err)
		}
	}
	return nil
}

// InitWeights draws the weights from a normal distribution.
func (c *Connection) InitWeights(ctx context.Context, mean, stdev float32) error {
	if c.identity {
		return nil
	}
	if err := c.rnn.mutable("InitWeights"); err != nil {
		return err
	}
	return c.run(ctx, func(s *engine.Stream) error {
		return c.rnn.engine.MatRandN(c.weights, mean, stdev, s)
	})
}

// InitNesterov zeroes the momentum.
func (c *Connection) InitNesterov(ctx context.Context) error {
	if c.identity {
		return nil
	}
	return c.run(ctx, func(s *engine.Stream) error {
		return c.rnn.engine.MatSet(c.momentum, 0, s)
	})
}

// InitRmsprop starts the mean square of the gradient at 1.
func (c *Connection) InitRmsprop(ctx context.Context) error {
	if c.identity {
		return nil
	}
	return c.run(ctx, func(s *engine.Stream) error {
		return c.rnn.engine.MatSet(c.msDeriv, 1, s)
	})
}

// InitAdadelta starts the mean square of the gradient at 1 and of the
// update at 0.
func (c *Connection) InitAdadelta(ctx context.Context) error {
	if c.identity {
		return nil
	}
	return c.run(ctx, func(s *engine.Stream) error {
		if err := c.rnn.engine.MatSet(c.msDeriv, 1, s); err != nil {
			return err
		}
		return c.rnn.engine.MatSet(c.msDelta, 0, s)
	})
}

// ReadWeights copies the weights out once every update issued so far has run.
func (c *Connection) ReadWeights(ctx context.Context) ([]float32, error) {
	return c.read(ctx, c.weights)
}

// ReadGradient copies the accumulated gradient out.
func (c *Connection) ReadGradient(ctx context.Context) ([]float32, error) {
	return c.read(ctx, c.gradient)
}

// WriteWeights replaces the weights.
func (c *Connection) WriteWeights(ctx context.Context, values []float32) error {
	if err := c.rnn.mutable("WriteWeights"); err != nil {
		return err
	}
	return c.run(ctx, func(s *engine.Stream) error {
		return c.weights.Import(values, s)
	})
}

func (c *Connection) read(ctx context.Context, m *engine.Matrix) ([]float32, error) {
	values := make([]float32, m.Len())
	s := c.Stream()
	if err := m.Export(values, s); err != nil {
		return nil, fmt.Errorf("%v: %w", c, err)
	}
	if err := c.rnn.engine.StreamSynchronize(ctx, s); err != nil {
		return nil, fmt.Errorf("%v: %w", c, err)
	}
	return values, nil
}

func (c *Connection) resize(cols int) error {
	errCols := 0
	if c.src.needsError() {
		errCols = cols
	}
	if err := c.srcErr.Resize(c.src.size, errCols); err != nil {
		return err
	}
	multCols := 0
	if c.dst.aggregation == AggMult {
		multCols = cols
	}
	if err := c.dstAct.Resize(c.dst.size, multCols); err != nil {
		return err
	}
	return c.dstErr.Resize(c.dst.size, multCols)
}

func (c *Connection) free() {
	for _, m := range []*engine.Matrix{c.weights, c.gradient, c.momentum, c.msDeriv, c.msDelta, c.step, c.srcErr, c.dstAct, c.dstErr} {
		m.Free()
	}
}

// forward writes the contribution of steps from..to into out, or adds it
// when accumulate is set.
func (c *Connection) forward(out *engine.Matrix, from, to int, accumulate bool, s *engine.Stream) error {
	r := c.rnn
	e := r.engine
	srcAct, err := r.steps(c.src.actBuf, from-c.delay, to-c.delay)
	if err != nil {
		return err
	}
	switch {
	case c.identity && accumulate:
		return e.MatAxpy(1, srcAct, out, s)
	case c.identity:
		return e.MatCopy(srcAct, out, s)
	case accumulate:
		return e.MatMult(c.weights, false, srcAct, false, out, 1, 1, s)
	default:
		return e.MatMult(c.weights, false, srcAct, false, out, 1, 0, s)
	}
}

// errorAt is the error of the destination state as seen by this connection.
func (c *Connection) errorAt(from, to int) (*engine.Matrix, error) {
	if c.dst.aggregation == AggMult {
		return c.rnn.steps(c.dstErr, from, to)
	}
	return c.rnn.steps(c.dst.dState, from, to)
}

// backward sends the destination error of steps from..to back to the
// source steps it was computed from.
func (c *Connection) backward(from, to int, s *engine.Stream) error {
	r := c.rnn
	e := r.engine
	dstErr, err := c.errorAt(from, to)
	if err != nil {
		return err
	}
	srcErr, err := r.steps(c.srcErr, from-c.delay, to-c.delay)
	if err != nil {
		return err
	}
	if c.identity {
		return e.MatCopy(dstErr, srcErr, s)
	}
	return e.MatMult(c.weights, true, dstErr, false, srcErr, 1, 0, s)
}

// accumulate adds the weight gradient of steps from..to.
func (c *Connection) accumulate(from, to int, s *engine.Stream) error {
	if c.identity {
		return nil
	}
	r := c.rnn
	dstErr, err := c.errorAt(from, to)
	if err != nil {
		return err
	}
	srcAct, err := r.steps(c.src.actBuf, from-c.delay, to-c.delay)
	if err != nil {
		return err
	}
	return r.engine.MatMult(dstErr, false, srcAct, true, c.gradient, 1, 1, s)
}
