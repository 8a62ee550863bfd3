package rnn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/klog/v2"
)

// Architecture describes a network: its layers, connections and the layers
// that carry input and output probes.
type Architecture struct {
	Layers      []LayerSpec      `json:"layers"`
	Lstms       []LstmSpec       `json:"lstms,omitempty"`
	Connections []ConnectionSpec `json:"connections"`
	Inputs      []string         `json:"inputs"`
	Outputs     []string         `json:"outputs"`
	Init        *InitSpec        `json:"init,omitempty"`
}

type LayerSpec struct {
	Name       string  `json:"name"`
	Activation string  `json:"activation"`
	Size       int     `json:"size"`
	Stateful   bool    `json:"stateful,omitempty"`
	Multiply   bool    `json:"multiply,omitempty"`
	InitValue  float32 `json:"initValue,omitempty"`
}

type ConnectionSpec struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Delay       int    `json:"delay,omitempty"`
	Identity    bool   `json:"identity,omitempty"`
}

// LstmSpec adds an LSTM block after the layers, so that connections can
// reach its layers as <name>.input, <name>.inputGate and so on.
type LstmSpec struct {
	Name  string `json:"name"`
	Bias  string `json:"bias"`
	Size  int    `json:"size"`
	Delay int    `json:"delay,omitempty"`
	// ForgetGateBias is the mean of the initial forget gate bias.
	ForgetGateBias float32 `json:"forgetGateBias,omitempty"`
}

// InitSpec draws the initial weights from a normal distribution.
type InitSpec struct {
	Mean  float32 `json:"mean"`
	Stdev float32 `json:"stdev"`
}

func ParseArchitecture(data []byte) (*Architecture, error) {
	a := &Architecture{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("parsing architecture: %w", err)
	}
	return a, nil
}

func LoadArchitecture(p string) (*Architecture, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading architecture %q: %w", p, err)
	}
	return ParseArchitecture(data)
}

// Network is an Rnn built from an Architecture, with its probes by layer name.
type Network struct {
	Rnn     *Rnn
	Inputs  map[string]*Probe
	Outputs map[string]*Probe
}

// Build creates the Rnn, links the probes and derives the schedule, so that
// structural errors surface here rather than in the first pass.
func (a *Architecture) Build(ctx context.Context, e engine.Engine, options Options) (*Network, error) {
	log := klog.FromContext(ctx)

	r, err := New(e, options)
	if err != nil {
		return nil, err
	}
	n := &Network{
		Rnn:     r,
		Inputs:  make(map[string]*Probe),
		Outputs: make(map[string]*Probe),
	}
	if err := a.build(ctx, n); err != nil {
		r.Close()
		return nil, err
	}
	log.Info("built network", "layers", len(a.Layers), "connections", len(a.Connections), "weights", r.NumWeights(), "groups", len(r.groups))
	return n, nil
}

func (a *Architecture) build(ctx context.Context, n *Network) error {
	r := n.Rnn
	for _, spec := range a.Layers {
		act, err := engine.ParseActKind(spec.Activation)
		if err != nil {
			return fmt.Errorf("layer %q: %w", spec.Name, err)
		}
		state := Stateless
		if spec.Stateful {
			state = Stateful
		}
		l, err := r.AddLayer(spec.Name, act, state, spec.Size)
		if err != nil {
			return err
		}
		if spec.Multiply {
			if err := l.SetAggregation(AggMult); err != nil {
				return err
			}
		}
		if err := l.SetInitValue(spec.InitValue); err != nil {
			return err
		}
	}
	var blocks []*Lstm
	for _, spec := range a.Lstms {
		delay := spec.Delay
		if delay == 0 {
			delay = 1
		}
		b, err := r.AddLstmLayer(spec.Name, spec.Bias, delay, spec.Size)
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
	}
	for _, spec := range a.Connections {
		if _, err := r.AddConnection(spec.Source, spec.Destination, spec.Delay, spec.Identity); err != nil {
			return err
		}
	}
	for _, name := range a.Inputs {
		p := NewProbe(name, ProbeInput)
		if err := r.LinkProbe(p, name); err != nil {
			return err
		}
		n.Inputs[name] = p
	}
	for _, name := range a.Outputs {
		p := NewProbe(name, ProbeOutput)
		if err := r.LinkProbe(p, name); err != nil {
			return err
		}
		n.Outputs[name] = p
	}
	if err := r.Ready(ctx); err != nil {
		return err
	}
	if a.Init != nil {
		if err := r.InitWeights(ctx, a.Init.Mean, a.Init.Stdev); err != nil {
			return err
		}
		for i, b := range blocks {
			if err := b.InitForgetGateBias(ctx, a.Lstms[i].ForgetGateBias, a.Init.Stdev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Network) Close() error {
	return n.Rnn.Close()
}
