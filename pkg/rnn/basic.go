package rnn

import (
	"context"
	"fmt"

	"k8s.io/examples/AI/fractal/pkg/engine"
)

// Layers of an LSTM block, named <block>.<suffix>. Feed the block through
// the input and gate layers and read it from the output layer.
const (
	LstmInput      = "input"
	LstmInputGate  = "inputGate"
	LstmForgetGate = "forgetGate"
	LstmOutputGate = "outputGate"
	LstmOutput     = "output"
)

const (
	lstmInputGatePeep  = "inputGatePeep"
	lstmForgetGatePeep = "forgetGatePeep"
	lstmOutputGatePeep = "outputGatePeep"
	lstmInputGateMult  = "inputGateMult"
	lstmCell           = "cell"
	lstmCellDelay      = "cellDelay"
	lstmForgetGateMult = "forgetGateMult"
	lstmOutputSquash   = "outputSquash"
	lstmOutputDelay    = "outputDelay"
)

type lstmLayer struct {
	suffix string
	act    engine.ActKind
	agg    Aggregation
}

var lstmLayers = []lstmLayer{
	{LstmInput, engine.ActTanh, AggSum},
	{lstmInputGatePeep, engine.ActLinear, AggMult},
	{lstmForgetGatePeep, engine.ActLinear, AggMult},
	{lstmOutputGatePeep, engine.ActLinear, AggMult},
	{LstmInputGate, engine.ActSigmoid, AggSum},
	{lstmInputGateMult, engine.ActLinear, AggMult},
	{lstmCell, engine.ActLinear, AggSum},
	{lstmCellDelay, engine.ActLinear, AggMult},
	{LstmForgetGate, engine.ActSigmoid, AggSum},
	{lstmForgetGateMult, engine.ActLinear, AggMult},
	{lstmOutputSquash, engine.ActTanh, AggSum},
	{LstmOutputGate, engine.ActSigmoid, AggSum},
	{LstmOutput, engine.ActLinear, AggMult},
	{lstmOutputDelay, engine.ActLinear, AggMult},
}

type lstmConnection struct {
	src, dst string
	delayed  bool
	identity bool
}

// An empty src is the bias layer.
var lstmConnections = []lstmConnection{
	{LstmInput, lstmInputGateMult, false, true},
	{LstmInputGate, lstmInputGateMult, false, true},
	{lstmInputGateMult, lstmCell, false, true},
	{lstmCell, lstmCellDelay, true, true},
	{lstmCellDelay, lstmForgetGateMult, false, true},
	{LstmForgetGate, lstmForgetGateMult, false, true},
	{lstmForgetGateMult, lstmCell, false, true},
	{lstmCell, lstmOutputSquash, false, true},
	{lstmOutputSquash, LstmOutput, false, true},
	{LstmOutputGate, LstmOutput, false, true},

	{"", LstmInput, false, false},
	{"", LstmInputGate, false, false},
	{"", LstmForgetGate, false, false},
	{"", LstmOutputGate, false, false},

	// Peepholes scale the cell state by one weight per unit.
	{lstmCellDelay, lstmInputGatePeep, false, true},
	{lstmCellDelay, lstmForgetGatePeep, false, true},
	{lstmCell, lstmOutputGatePeep, false, true},
	{"", lstmInputGatePeep, false, false},
	{"", lstmForgetGatePeep, false, false},
	{"", lstmOutputGatePeep, false, false},
	{lstmInputGatePeep, LstmInputGate, false, true},
	{lstmForgetGatePeep, LstmForgetGate, false, true},
	{lstmOutputGatePeep, LstmOutputGate, false, true},

	{LstmOutput, lstmOutputDelay, true, true},
	{lstmOutputDelay, LstmInputGate, false, false},
	{lstmOutputDelay, LstmForgetGate, false, false},
	{lstmOutputDelay, LstmOutputGate, false, false},
	{lstmOutputDelay, LstmInput, false, false},
}

// Lstm is a peephole LSTM block added by AddLstmLayer.
type Lstm struct {
	Name string
	Size int

	rnn  *Rnn
	bias string
}

// Layer returns the layer of the block with the given suffix.
func (b *Lstm) Layer(suffix string) (*Layer, error) {
	return b.rnn.Layer(b.layerName(suffix))
}

func (b *Lstm) layerName(suffix string) string {
	return b.Name + "." + suffix
}

// InitForgetGateBias redraws the bias of the forget gate. A positive mean
// makes the block keep its cell state early in training.
func (b *Lstm) InitForgetGateBias(ctx context.Context, mean, stdev float32) error {
	c, err := b.rnn.Connection(b.bias, b.layerName(LstmForgetGate))
	if err != nil {
		return err
	}
	return c.InitWeights(ctx, mean, stdev)
}

// AddLstmLayer adds an LSTM block of size units with input, forget and
// output gates, peephole connections and a cell state fed back delay steps
// later. bias must name a bias layer; it feeds every gate.
func (r *Rnn) AddLstmLayer(name, bias string, delay, size int) (*Lstm, error) {
	if err := r.mutable("AddLstmLayer"); err != nil {
		return nil, err
	}
	biasLayer, err := r.Layer(bias)
	if err != nil {
		return nil, err
	}
	if biasLayer.act != engine.ActBias {
		return nil, fmt.Errorf("lstm %q: %v is not a bias layer: %w", name, biasLayer, engine.ErrUnsupported)
	}
	if delay <= 0 {
		return nil, fmt.Errorf("lstm %q feeds back after %d steps: %w", name, delay, engine.ErrUnsupported)
	}
	b := &Lstm{Name: name, Size: size, rnn: r, bias: bias}
	for _, spec := range lstmLayers {
		if _, found := r.layerByName[b.layerName(spec.suffix)]; found {
			return nil, fmt.Errorf("lstm %q: layer %q: %w", name, b.layerName(spec.suffix), engine.ErrDuplicate)
		}
	}

	var added []string
	if err := b.add(delay, &added); err != nil {
		for _, layer := range added {
			r.DeleteLayer(layer)
		}
		return nil, err
	}
	return b, nil
}

func (b *Lstm) add(delay int, added *[]string) error {
	r := b.rnn
	for _, spec := range lstmLayers {
		l, err := r.AddLayer(b.layerName(spec.suffix), spec.act, Stateless, b.Size)
		if err != nil {
			return err
		}
		*added = append(*added, l.name)
		if spec.agg != AggSum {
			if err := l.SetAggregation(spec.agg); err != nil {
				return err
			}
		}
	}
	for _, spec := range lstmConnections {
		src := b.bias
		if spec.src != "" {
			src = b.layerName(spec.src)
		}
		d := 0
		if spec.delayed {
			d = delay
		}
		if _, err := r.AddConnection(src, b.layerName(spec.dst), d, spec.identity); err != nil {
			return err
		}
	}
	return nil
}
