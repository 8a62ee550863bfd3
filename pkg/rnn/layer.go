package rnn

import (
	"fmt"

	"k8s.io/examples/AI/fractal/pkg/engine"
)

// StateKind says whether a layer's activation history survives from one
// pass to the next.
type StateKind int

const (
	// Stateless layers start every pass from their init value.
	Stateless StateKind = iota
	// Stateful layers continue from the last steps of the previous pass.
	Stateful
)

func (k StateKind) String() string {
	if k == Stateful {
		return "stateful"
	}
	return "stateless"
}

// Aggregation combines the contributions of incoming connections.
type Aggregation int

const (
	AggSum Aggregation = iota
	AggMult
)

func (a Aggregation) String() string {
	if a == AggMult {
		return "mult"
	}
	return "sum"
}

// Layer is a node of the graph. Its buffers hold size rows and one column
// per sequence per time step, history steps first.
type Layer struct {
	rnn         *Rnn
	name        string
	size        int
	act         engine.ActKind
	stateKind   StateKind
	aggregation Aggregation
	initValue   float32

	srcConnections []*Connection
	dstConnections []*Connection

	group *group

	actBuf *engine.Matrix
	state  *engine.Matrix
	dAct   *engine.Matrix
	dState *engine.Matrix

	inputProbe  *Probe
	outputProbe *Probe
}

func newLayer(r *Rnn, name string, act engine.ActKind, stateKind StateKind, size int) *Layer {
	location := r.options.Location
	return &Layer{
		rnn:       r,
		name:      name,
		size:      size,
		act:       act,
		stateKind: stateKind,
		actBuf:    engine.NewMatrix(r.engine, location, size, 0),
		state:     engine.NewMatrix(r.engine, location, size, 0),
		dAct:      engine.NewMatrix(r.engine, location, size, 0),
		dState:    engine.NewMatrix(r.engine, location, size, 0),
	}
}

func (l *Layer) Name() string {
	return l.name
}

func (l *Layer) Size() int {
	return l.size
}

func (l *Layer) ActKind() engine.ActKind {
	return l.act
}

func (l *Layer) StateKind() StateKind {
	return l.stateKind
}

func (l *Layer) Aggregation() Aggregation {
	return l.aggregation
}

func (l *Layer) SetAggregation(a Aggregation) error {
	if err := l.rnn.mutable("SetAggregation"); err != nil {
		return err
	}
	l.aggregation = a
	l.rnn.invalidate()
	return nil
}

// InitValue fills the history steps of a stateless layer at InitForward.
func (l *Layer) InitValue() float32 {
	return l.initValue
}

func (l *Layer) SetInitValue(v float32) error {
	if err := l.rnn.mutable("SetInitValue"); err != nil {
		return err
	}
	l.initValue = v
	return nil
}

// Index is the position of the layer's group in SccList, or -1 before the
// schedule is derived.
func (l *Layer) Index() int {
	if l.group == nil {
		return -1
	}
	return l.group.index
}

func (l *Layer) SrcConnections() []*Connection {
	return append([]*Connection(nil), l.srcConnections...)
}

func (l *Layer) DstConnections() []*Connection {
	return append([]*Connection(nil), l.dstConnections...)
}

// Activation is the activation buffer including history columns.
func (l *Layer) Activation() *engine.Matrix {
	return l.actBuf
}

// Error is the error of the layer's state, including history columns.
func (l *Layer) Error() *engine.Matrix {
	return l.dState
}

func (l *Layer) String() string {
	return fmt.Sprintf("layer %q (%v, %d)", l.name, l.act, l.size)
}

func (l *Layer) resize(cols int) error {
	for _, m := range []*engine.Matrix{l.actBuf, l.state, l.dAct, l.dState} {
		if err := m.Resize(l.size, cols); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) free() {
	for _, m := range []*engine.Matrix{l.actBuf, l.state, l.dAct, l.dState} {
		m.Free()
	}
}

// needsError reports whether the layer's error is used: it has incoming
// connections to propagate into or train.
func (l *Layer) needsError() bool {
	return len(l.srcConnections) != 0
}

// hasDelayedReaders reports whether a delayed connection reads the layer's history.
func (l *Layer) hasDelayedReaders() bool {
	for _, c := range l.dstConnections {
		if c.delay > 0 {
			return true
		}
	}
	return false
}

// initHistory fills the history steps read by delayed connections, either
// from the init value or, for stateful layers, from the tail of the previous
// pass.
func (l *Layer) initHistory(s *engine.Stream, carry bool) error {
	r := l.rnn
	if r.history == 0 || !l.hasDelayedReaders() {
		return nil
	}
	e := r.engine
	history, err := r.steps(l.actBuf, -r.history, -1)
	if err != nil {
		return err
	}
	switch {
	case l.act == engine.ActBias:
		return e.MatSet(history, 1, s)
	case l.stateKind == Stateful && carry:
		tail, err := r.steps(l.actBuf, r.numSteps-r.history, r.numSteps-1)
		if err != nil {
			return err
		}
		return e.MatCopy(tail, history, s)
	default:
		return e.MatSet(history, l.initValue, s)
	}
}

// forward computes state and activation for steps from..to.
func (l *Layer) forward(s *engine.Stream, from, to int) error {
	if l.inputProbe != nil {
		return nil
	}
	r := l.rnn
	e := r.engine
	act, err := r.steps(l.actBuf, from, to)
	if err != nil {
		return err
	}
	if l.act == engine.ActBias {
		return e.MatSet(act, 1, s)
	}
	state, err := r.steps(l.state, from, to)
	if err != nil {
		return err
	}

	if len(l.srcConnections) == 0 {
		if err := e.MatSet(state, 0, s); err != nil {
			return err
		}
	}
	for i, c := range l.srcConnections {
		switch l.aggregation {
		case AggMult:
			contribution, err := r.steps(c.dstAct, from, to)
			if err != nil {
				return err
			}
			if err := c.forward(contribution, from, to, false, s); err != nil {
				return err
			}
			if i == 0 {
				err = e.MatCopy(contribution, state, s)
			} else {
				err = e.MatElemMult(state, contribution, state, s)
			}
			if err != nil {
				return err
			}
		default:
			if err := c.forward(state, from, to, i > 0, s); err != nil {
				return err
			}
		}
	}
	return e.FuncActivation(l.act, state, act, s)
}

// backward computes the state error for steps from..to and propagates it
// into the error buffers of the incoming connections.
func (l *Layer) backward(s *engine.Stream, from, to int) error {
	if !l.needsError() {
		return nil
	}
	r := l.rnn
	e := r.engine
	dState, err := r.steps(l.dState, from, to)
	if err != nil {
		return err
	}

	// An output probe supplies the state error directly.
	if l.outputProbe == nil {
		if len(l.dstConnections) == 0 {
			if err := e.MatSet(dState, 0, s); err != nil {
				return err
			}
		} else {
			dAct, err := r.steps(l.dAct, from, to)
			if err != nil {
				return err
			}
			for i, c := range l.dstConnections {
				srcErr, err := r.steps(c.srcErr, from, to)
				if err != nil {
					return err
				}
				if i == 0 {
					err = e.MatCopy(srcErr, dAct, s)
				} else {
					err = e.MatAxpy(1, srcErr, dAct, s)
				}
				if err != nil {
					return err
				}
			}
			act, err := r.steps(l.actBuf, from, to)
			if err != nil {
				return err
			}
			if err := e.FuncActivationDeriv(l.act, act, dState, s); err != nil {
				return err
			}
			if err := e.MatElemMult(dAct, dState, dState, s); err != nil {
				return err
			}
		}
	}

	for _, c := range l.srcConnections {
		if l.aggregation == AggMult {
			if err := l.distributeProduct(c, dState, from, to, s); err != nil {
				return err
			}
		}
		if !c.src.needsError() {
			continue
		}
		if err := c.backward(from, to, s); err != nil {
			return err
		}
	}
	return nil
}

// distributeProduct writes the error seen by one input of an AggMult layer:
// the state error times the product of every other input.
func (l *Layer) distributeProduct(c *Connection, dState *engine.Matrix, from, to int, s *engine.Stream) error {
	r := l.rnn
	e := r.engine
	dstErr, err := r.steps(c.dstErr, from, to)
	if err != nil {
		return err
	}
	if err := e.MatCopy(dState, dstErr, s); err != nil {
		return err
	}
	for _, other := range l.srcConnections {
		if other == c {
			continue
		}
		contribution, err := r.steps(other.dstAct, from, to)
		if err != nil {
			return err
		}
		if err := e.MatElemMult(dstErr, contribution, dstErr, s); err != nil {
			return err
		}
	}
	return nil
}

// accumulate adds the weight gradients of every incoming connection over steps from..to.
func (l *Layer) accumulate(s *engine.Stream, from, to int) error {
	if !l.needsError() {
		return nil
	}
	for _, c := range l.srcConnections {
		if err := c.accumulate(from, to, s); err != nil {
			return err
		}
	}
	return nil
}
