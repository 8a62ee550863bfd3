package rnn

import (
	"context"
	"fmt"

	"k8s.io/examples/AI/fractal/pkg/engine"
)

// TensorState is a shape-tagged copy of a matrix. An empty TensorState
// stands for a matrix that was never written. A declared shape without
// values is not empty and fails the shape check.
type TensorState struct {
	Rows   int
	Cols   int
	Values []float32
}

func (t TensorState) Empty() bool {
	return len(t.Values) == 0 && t.Rows == 0 && t.Cols == 0
}

// ConnectionState is everything needed to resume training a connection.
type ConnectionState struct {
	Source      string
	Destination string
	Weights     TensorState
	Momentum    TensorState
	MsDeriv     TensorState
	MsDelta     TensorState
	DecayRate   float32
}

func (s *ConnectionState) ID() string {
	return s.Source + "->" + s.Destination
}

type tensorSlot struct {
	name   string
	matrix *engine.Matrix
	state  *TensorState
}

func (c *Connection) tensors(s *ConnectionState) []tensorSlot {
	return []tensorSlot{
		{"weights", c.weights, &s.Weights},
		{"momentum", c.momentum, &s.Momentum},
		{"msDeriv", c.msDeriv, &s.MsDeriv},
		{"msDelta", c.msDelta, &s.MsDelta},
	}
}

// SaveState copies out the weights and whatever optimizer state exists.
func (c *Connection) SaveState(ctx context.Context) (ConnectionState, error) {
	state := ConnectionState{
		Source:      c.src.name,
		Destination: c.dst.name,
		DecayRate:   c.decayRate,
	}
	s := c.Stream()
	for _, t := range c.tensors(&state) {
		if t.matrix.Len() == 0 || !t.matrix.Mem().Valid() {
			continue
		}
		t.state.Rows = t.matrix.Rows()
		t.state.Cols = t.matrix.Cols()
		t.state.Values = make([]float32, t.matrix.Len())
		if err := t.matrix.Export(t.state.Values, s); err != nil {
			return ConnectionState{}, fmt.Errorf("saving %s of %v: %w", t.name, c, err)
		}
	}
	if err := c.rnn.engine.StreamSynchronize(ctx, s); err != nil {
		return ConnectionState{}, fmt.Errorf("saving %v: %w", c, err)
	}
	return state, nil
}

func (c *Connection) checkState(state *ConnectionState) error {
	for _, t := range c.tensors(state) {
		if t.state.Empty() {
			continue
		}
		if t.state.Rows != t.matrix.Rows() || t.state.Cols != t.matrix.Cols() || len(t.state.Values) != t.state.Rows*t.state.Cols {
			return fmt.Errorf("%s of %v is %dx%d with %d values, want %v: %w",
				t.name, c, t.state.Rows, t.state.Cols, len(t.state.Values), t.matrix, engine.ErrShapeMismatch)
		}
	}
	return nil
}

// LoadState replaces the weights and optimizer state. Shapes are checked
// before anything is written.
func (c *Connection) LoadState(ctx context.Context, state ConnectionState) error {
	if err := c.rnn.mutable("LoadState"); err != nil {
		return err
	}
	if state.ID() != c.ID() {
		return fmt.Errorf("loading state of %s into %v: %w", state.ID(), c, engine.ErrNotFound)
	}
	if err := c.checkState(&state); err != nil {
		return err
	}
	return c.load(ctx, state)
}

func (c *Connection) load(ctx context.Context, state ConnectionState) error {
	c.decayRate = state.DecayRate
	return c.run(ctx, func(s *engine.Stream) error {
		for _, t := range c.tensors(&state) {
			if t.state.Empty() {
				// Optimizer state that was never saved starts over.
				if t.matrix != c.weights {
					t.matrix.Mem().Invalidate()
				}
				continue
			}
			if err := t.matrix.Import(t.state.Values, s); err != nil {
				return fmt.Errorf("loading %s: %w", t.name, err)
			}
		}
		return nil
	})
}

// SaveState returns the state of every connection in definition order.
func (r *Rnn) SaveState(ctx context.Context) ([]ConnectionState, error) {
	states := make([]ConnectionState, 0, len(r.connections))
	for _, c := range r.connections {
		state, err := c.SaveState(ctx)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// LoadState loads connection states by identifier. Every state is checked
// first, so that a mismatch leaves the Rnn untouched.
func (r *Rnn) LoadState(ctx context.Context, states []ConnectionState) error {
	if err := r.mutable("LoadState"); err != nil {
		return err
	}
	targets := make([]*Connection, len(states))
	for i := range states {
		c, err := r.Connection(states[i].Source, states[i].Destination)
		if err != nil {
			return err
		}
		if err := c.checkState(&states[i]); err != nil {
			return err
		}
		targets[i] = c
	}
	for i, c := range targets {
		if err := c.load(ctx, states[i]); err != nil {
			return err
		}
	}
	return nil
}

// InitWeights draws every weight matrix from a normal distribution.
func (r *Rnn) InitWeights(ctx context.Context, mean, stdev float32) error {
	for _, c := range r.connections {
		if err := c.InitWeights(ctx, mean, stdev); err != nil {
			return err
		}
	}
	return nil
}
