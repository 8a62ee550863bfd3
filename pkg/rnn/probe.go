package rnn

import (
	"context"
	"fmt"

	"k8s.io/examples/AI/fractal/pkg/engine"
)

type ProbeKind int

const (
	// ProbeInput supplies the activation of its layer.
	ProbeInput ProbeKind = iota
	// ProbeOutput supplies the state error of its layer and reads results.
	ProbeOutput
)

func (k ProbeKind) String() string {
	if k == ProbeOutput {
		return "output"
	}
	return "input"
}

// Probe moves data between the caller and one layer. It owns a stream, so
// that transfers overlap with the pass, and a pipe that the layer's group
// waits on before reading what the probe wrote.
//
// Values are laid out like the layer buffers: layer.Size() rows and one
// column per sequence per step, column-major.
type Probe struct {
	dependency

	kind  ProbeKind
	rnn   *Rnn
	layer *Layer
	// stamps holds the pass that last wrote each step.
	stamps []uint64
}

func NewProbe(name string, kind ProbeKind) *Probe {
	return &Probe{
		dependency: dependency{name: name},
		kind:       kind,
	}
}

func (p *Probe) Name() string {
	return p.name
}

func (p *Probe) Kind() ProbeKind {
	return p.kind
}

func (p *Probe) IsInput() bool {
	return p.kind == ProbeInput
}

func (p *Probe) IsOutput() bool {
	return p.kind == ProbeOutput
}

// Layer returns the linked layer.
func (p *Probe) Layer() (*Layer, error) {
	if p.layer == nil {
		return nil, fmt.Errorf("probe %q: %w", p.name, engine.ErrNotLinked)
	}
	return p.layer, nil
}

// LinkProbe attaches p to the named layer. A layer carries at most one probe
// of each kind.
func (r *Rnn) LinkProbe(p *Probe, layer string) error {
	if err := r.mutable("LinkProbe"); err != nil {
		return err
	}
	if p.layer != nil {
		return fmt.Errorf("probe %q is already linked to %q: %w", p.name, p.layer.name, engine.ErrDuplicate)
	}
	l, err := r.Layer(layer)
	if err != nil {
		return err
	}
	slot := &l.inputProbe
	if p.kind == ProbeOutput {
		slot = &l.outputProbe
	}
	if *slot != nil {
		return fmt.Errorf("layer %q already has %v probe %q: %w", l.name, p.kind, (*slot).name, engine.ErrDuplicate)
	}

	s, err := r.engine.StreamCreate(r.options.Location)
	if err != nil {
		return fmt.Errorf("creating stream for probe %q: %w", p.name, err)
	}
	p.stream = s
	p.pipe = engine.NewPipe("probe-" + p.name)
	p.unsignaled = false
	p.stamps = nil
	p.rnn = r
	p.layer = l
	*slot = p
	r.probes = append(r.probes, p)
	r.invalidate()
	return nil
}

// UnlinkProbe detaches p from its layer.
func (r *Rnn) UnlinkProbe(p *Probe) error {
	if err := r.mutable("UnlinkProbe"); err != nil {
		return err
	}
	if p.rnn != r || p.layer == nil {
		return fmt.Errorf("probe %q: %w", p.name, engine.ErrNotLinked)
	}
	if p.kind == ProbeOutput {
		p.layer.outputProbe = nil
	} else {
		p.layer.inputProbe = nil
	}
	r.probes = without(r.probes, p)
	p.layer = nil
	p.rnn = nil
	r.invalidate()
	return p.destroyStream(r.engine)
}

func (p *Probe) destroyStream(e engine.Engine) error {
	if p.stream == nil {
		return nil
	}
	s := p.stream
	p.stream = nil
	return e.StreamDestroy(s)
}

// steps checks that from..to lies inside the horizon and returns the layer
// columns together with their length.
func (p *Probe) steps(m *engine.Matrix, from, to int) (*engine.Matrix, error) {
	r := p.rnn
	if from < 0 || to < from || to >= r.numSteps {
		return nil, fmt.Errorf("probe %q steps %d..%d of %d: %w", p.name, from, to, r.numSteps, engine.ErrDimensionMismatch)
	}
	return r.steps(m, from, to)
}

func (p *Probe) stamp(from, to int) {
	r := p.rnn
	if len(p.stamps) != r.numSteps {
		p.stamps = make([]uint64, r.numSteps)
	}
	for t := from; t <= to; t++ {
		p.stamps[t] = r.pass
	}
}

// checkStamped fails unless every step from..to was written during the
// current pass.
func (p *Probe) checkStamped(from, to int) error {
	r := p.rnn
	for t := from; t <= to; t++ {
		if t >= len(p.stamps) || p.stamps[t] != r.pass {
			return fmt.Errorf("probe %q has no data for step %d of pass %d: %w", p.name, t, r.pass, engine.ErrUnmetDependency)
		}
	}
	return nil
}

func (p *Probe) write(m *engine.Matrix, from, to int, values []float32) error {
	view, err := p.steps(m, from, to)
	if err != nil {
		return err
	}
	if len(values) != view.Len() {
		return fmt.Errorf("probe %q got %d values for %v: %w", p.name, len(values), view, engine.ErrDimensionMismatch)
	}
	p.unsignaled = true
	if err := view.Import(append([]float32(nil), values...), p.stream); err != nil {
		return fmt.Errorf("probe %q: %w", p.name, err)
	}
	if err := p.rnn.signal(&p.dependency); err != nil {
		return err
	}
	p.stamp(from, to)
	return nil
}

// SetInput writes the layer activation for steps from..to. It must follow
// InitForward and precede the Forward call that covers those steps.
func (p *Probe) SetInput(ctx context.Context, from, to int, values []float32) error {
	if p.layer == nil {
		return fmt.Errorf("probe %q: %w", p.name, engine.ErrNotLinked)
	}
	if p.kind != ProbeInput {
		return fmt.Errorf("SetInput on %v probe %q: %w", p.kind, p.name, engine.ErrUnsupported)
	}
	r := p.rnn
	if r.direction != DirectionForward || r.state == PassIdle {
		return passOrder("SetInput", "no forward pass was initialized")
	}
	if from < r.nextForward {
		return passOrder("SetInput", "step %d was already forwarded", from)
	}
	return p.write(p.layer.actBuf, from, to, values)
}

// SetError writes the error of the layer state for steps from..to, as the
// negative gradient of the loss. The steps must have been forwarded.
func (p *Probe) SetError(ctx context.Context, from, to int, values []float32) error {
	if p.layer == nil {
		return fmt.Errorf("probe %q: %w", p.name, engine.ErrNotLinked)
	}
	if p.kind != ProbeOutput {
		return fmt.Errorf("SetError on %v probe %q: %w", p.kind, p.name, engine.ErrUnsupported)
	}
	r := p.rnn
	if r.state == PassIdle || to >= r.nextForward {
		return passOrder("SetError", "step %d was not forwarded", to)
	}
	if r.direction == DirectionBackward && to > r.nextBackward {
		return passOrder("SetError", "step %d was already propagated back", to)
	}
	return p.write(p.layer.dState, from, to, values)
}

// GetActivation reads the layer activation for steps from..to. It blocks
// until the group that computes the layer has issued those steps and they
// have been copied out.
func (p *Probe) GetActivation(ctx context.Context, from, to int) ([]float32, error) {
	if p.layer == nil {
		return nil, fmt.Errorf("probe %q: %w", p.name, engine.ErrNotLinked)
	}
	r := p.rnn
	if r.state == PassIdle || to >= r.nextForward {
		return nil, passOrder("GetActivation", "step %d was not forwarded", to)
	}
	return p.read(ctx, p.layer.actBuf, from, to)
}

// GetError reads the layer state error for steps from..to once the backward
// pass has covered them.
func (p *Probe) GetError(ctx context.Context, from, to int) ([]float32, error) {
	if p.layer == nil {
		return nil, fmt.Errorf("probe %q: %w", p.name, engine.ErrNotLinked)
	}
	r := p.rnn
	if r.state == PassIdle || r.direction != DirectionBackward || from <= r.nextBackward {
		return nil, passOrder("GetError", "step %d was not propagated back", from)
	}
	return p.read(ctx, p.layer.dState, from, to)
}

func (p *Probe) read(ctx context.Context, m *engine.Matrix, from, to int) ([]float32, error) {
	r := p.rnn
	view, err := p.steps(m, from, to)
	if err != nil {
		return nil, err
	}
	if g := p.layer.group; g != nil && g.stream != p.stream && g.pipe.Recorded() != 0 {
		if err := r.engine.StreamWaitEvent(p.stream, g.pipe); err != nil {
			return nil, fmt.Errorf("probe %q: %w", p.name, err)
		}
	}
	values := make([]float32, view.Len())
	if err := view.Export(values, p.stream); err != nil {
		return nil, fmt.Errorf("probe %q: %w", p.name, err)
	}
	if err := r.engine.StreamSynchronize(ctx, p.stream); err != nil {
		return nil, fmt.Errorf("probe %q: %w", p.name, err)
	}
	return values, nil
}
