package rnn

import (
	"context"
	"fmt"

	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/klog/v2"
)

type Options struct {
	// Location is where layer and connection buffers live. Defaults to host memory.
	Location engine.Location
}

// Rnn owns a graph of layers and connections and schedules forward and
// backward passes over it. An Rnn is driven from a single goroutine; the
// concurrency is in the streams it issues work on.
type Rnn struct {
	engine  engine.Engine
	options Options

	layers      []*Layer
	layerByName map[string]*Layer
	connections []*Connection
	probes      []*Probe

	ready   bool
	groups  []*group
	history int
	streams []*engine.Stream
	// setup runs weight initialization and state transfer outside of passes.
	setup *engine.Stream

	batchSize int
	numSteps  int

	state        PassState
	direction    Direction
	pass         uint64
	nextForward  int
	nextBackward int
	canCarry     bool
	aborted      bool
}

func New(e engine.Engine, options Options) (*Rnn, error) {
	setup, err := e.StreamCreate(options.Location)
	if err != nil {
		return nil, fmt.Errorf("creating setup stream: %w", err)
	}
	return &Rnn{
		engine:      e,
		options:     options,
		layerByName: make(map[string]*Layer),
		setup:       setup,
	}, nil
}

func (r *Rnn) Engine() engine.Engine {
	return r.engine
}

// Close destroys every stream owned by the Rnn and releases its buffers.
func (r *Rnn) Close() error {
	var errs []error
	for _, p := range r.probes {
		if err := p.destroyStream(r.engine); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range append(r.streams, r.setup) {
		if err := r.engine.StreamDestroy(s); err != nil {
			errs = append(errs, err)
		}
	}
	r.streams = nil
	for _, l := range r.layers {
		l.free()
	}
	for _, c := range r.connections {
		c.free()
	}
	if len(errs) != 0 {
		return fmt.Errorf("closing rnn: %v", errs)
	}
	return nil
}

func (r *Rnn) mutable(op string) error {
	if r.state == PassRunning {
		return fmt.Errorf("%s while a pass is running: %w", op, engine.ErrPassOrder)
	}
	return nil
}

// invalidate drops the derived schedule. It is re-derived by the next Ready.
func (r *Rnn) invalidate() {
	r.ready = false
	r.state = PassIdle
	r.canCarry = false
	for _, g := range r.groups {
		for _, l := range g.layers {
			l.group = nil
		}
	}
	r.groups = nil
}

// AddLayer adds a layer. Names are unique within the graph.
func (r *Rnn) AddLayer(name string, act engine.ActKind, state StateKind, size int) (*Layer, error) {
	if err := r.mutable("AddLayer"); err != nil {
		return nil, err
	}
	if _, found := r.layerByName[name]; found {
		return nil, fmt.Errorf("layer %q: %w", name, engine.ErrDuplicate)
	}
	if size <= 0 {
		return nil, fmt.Errorf("layer %q has size %d: %w", name, size, engine.ErrDimensionMismatch)
	}
	l := newLayer(r, name, act, state, size)
	r.layers = append(r.layers, l)
	r.layerByName[name] = l
	r.invalidate()
	return l, nil
}

// AddConnection connects source to destination. A delay of zero feeds the
// same time step; a delay d > 0 feeds the source's activation from d steps
// earlier. Identity connections carry no weights and need equal sizes.
func (r *Rnn) AddConnection(source, destination string, delay int, identity bool) (*Connection, error) {
	if err := r.mutable("AddConnection"); err != nil {
		return nil, err
	}
	src, err := r.Layer(source)
	if err != nil {
		return nil, err
	}
	dst, err := r.Layer(destination)
	if err != nil {
		return nil, err
	}
	if delay < 0 {
		return nil, fmt.Errorf("connection %s->%s has negative delay %d: %w", source, destination, delay, engine.ErrUnsupported)
	}
	if identity && src.size != dst.size {
		return nil, fmt.Errorf("identity connection %s->%s between sizes %d and %d: %w", source, destination, src.size, dst.size, engine.ErrShapeMismatch)
	}
	if dst.act == engine.ActBias {
		return nil, fmt.Errorf("connection %s->%s into a bias layer: %w", source, destination, engine.ErrUnsupported)
	}
	if _, err := r.Connection(source, destination); err == nil {
		return nil, fmt.Errorf("connection %s->%s: %w", source, destination, engine.ErrDuplicate)
	}

	c := newConnection(r, src, dst, delay, identity)
	src.dstConnections = append(src.dstConnections, c)
	dst.srcConnections = append(dst.srcConnections, c)
	r.connections = append(r.connections, c)
	r.invalidate()
	return c, nil
}

// DeleteConnection removes the connection between source and destination.
func (r *Rnn) DeleteConnection(source, destination string) error {
	if err := r.mutable("DeleteConnection"); err != nil {
		return err
	}
	c, err := r.Connection(source, destination)
	if err != nil {
		return err
	}
	r.removeConnection(c)
	r.invalidate()
	return nil
}

func (r *Rnn) removeConnection(c *Connection) {
	c.src.dstConnections = without(c.src.dstConnections, c)
	c.dst.srcConnections = without(c.dst.srcConnections, c)
	r.connections = without(r.connections, c)
	c.free()
}

// DeleteLayer removes a layer with all of its connections and probes.
func (r *Rnn) DeleteLayer(name string) error {
	if err := r.mutable("DeleteLayer"); err != nil {
		return err
	}
	l, err := r.Layer(name)
	if err != nil {
		return err
	}
	for _, c := range append(append([]*Connection{}, l.srcConnections...), l.dstConnections...) {
		if !contains(r.connections, c) {
			// self-connections appear in both lists
			continue
		}
		r.removeConnection(c)
	}
	for _, p := range []*Probe{l.inputProbe, l.outputProbe} {
		if p != nil {
			if err := r.UnlinkProbe(p); err != nil {
				return err
			}
		}
	}
	r.layers = without(r.layers, l)
	delete(r.layerByName, name)
	l.free()
	r.invalidate()
	return nil
}

func (r *Rnn) Layer(name string) (*Layer, error) {
	l, found := r.layerByName[name]
	if !found {
		return nil, fmt.Errorf("layer %q: %w", name, engine.ErrNotFound)
	}
	return l, nil
}

// Layers returns the layers in definition order.
func (r *Rnn) Layers() []*Layer {
	return append([]*Layer(nil), r.layers...)
}

func (r *Rnn) Connection(source, destination string) (*Connection, error) {
	for _, c := range r.connections {
		if c.src.name == source && c.dst.name == destination {
			return c, nil
		}
	}
	return nil, fmt.Errorf("connection %s->%s: %w", source, destination, engine.ErrNotFound)
}

// Connections returns the connections in definition order.
func (r *Rnn) Connections() []*Connection {
	return append([]*Connection(nil), r.connections...)
}

// NumWeights counts the trainable weights.
func (r *Rnn) NumWeights() int {
	n := 0
	for _, c := range r.connections {
		if !c.identity {
			n += c.src.size * c.dst.size
		}
	}
	return n
}

// BatchSize is the number of sequences processed in parallel.
func (r *Rnn) BatchSize() int {
	return r.batchSize
}

// NumSteps is the time horizon of one pass.
func (r *Rnn) NumSteps() int {
	return r.numSteps
}

// History is the number of earlier steps a delayed connection can reach back.
func (r *Rnn) History() int {
	return r.history
}

// SetBatchSize resizes every layer and connection buffer together for
// batchSize parallel sequences over numSteps time steps. Buffers are
// reallocated lazily by the next pass.
func (r *Rnn) SetBatchSize(ctx context.Context, batchSize, numSteps int) error {
	if err := r.mutable("SetBatchSize"); err != nil {
		return err
	}
	if batchSize <= 0 || numSteps <= 0 {
		return fmt.Errorf("batch size %d over %d steps: %w", batchSize, numSteps, engine.ErrDimensionMismatch)
	}
	if batchSize == r.batchSize && numSteps == r.numSteps {
		return nil
	}
	if err := r.checkFrame(batchSize, numSteps); err != nil {
		return err
	}

	log := klog.FromContext(ctx)
	r.drain(ctx)
	r.batchSize = batchSize
	r.numSteps = numSteps
	r.canCarry = false
	r.state = PassIdle
	if err := r.resizeBuffers(); err != nil {
		return err
	}
	log.V(2).Info("resized rnn", "batchSize", batchSize, "numSteps", numSteps, "history", r.history)
	return nil
}

// checkFrame fails with ErrOutOfMemory when a buffer for the frame would not
// be addressable. The Rnn keeps its previous shape.
func (r *Rnn) checkFrame(batchSize, numSteps int) error {
	if numSteps > engine.MaxElements || r.history > engine.MaxElements {
		return fmt.Errorf("%d steps after %d history steps: %w", numSteps, r.history, engine.ErrOutOfMemory)
	}
	cols, err := engine.CheckedSize(r.history+numSteps, batchSize)
	if err != nil {
		return fmt.Errorf("batch size %d over %d steps: %w", batchSize, numSteps, err)
	}
	for _, l := range r.layers {
		if _, err := engine.CheckedSize(l.size, cols); err != nil {
			return fmt.Errorf("layer %q: %w", l.name, err)
		}
	}
	return nil
}

func (r *Rnn) columns() int {
	return (r.history + r.numSteps) * r.batchSize
}

func (r *Rnn) resizeBuffers() error {
	if err := r.checkFrame(r.batchSize, r.numSteps); err != nil {
		return err
	}
	cols := r.columns()
	for _, l := range r.layers {
		if err := l.resize(cols); err != nil {
			return fmt.Errorf("resizing layer %q: %w", l.name, err)
		}
	}
	for _, c := range r.connections {
		if err := c.resize(cols); err != nil {
			return fmt.Errorf("resizing connection %s: %w", c.ID(), err)
		}
	}
	return nil
}

// steps returns the columns of m that hold time steps from..to.
func (r *Rnn) steps(m *engine.Matrix, from, to int) (*engine.Matrix, error) {
	return m.View((r.history+from)*r.batchSize, (r.history+to+1)*r.batchSize-1)
}

// Ready derives the schedule: the SCC decomposition, the group order, stream
// assignment and buffer shapes. It is called implicitly by InitForward.
func (r *Rnn) Ready(ctx context.Context) error {
	if r.ready {
		return nil
	}
	if err := r.mutable("Ready"); err != nil {
		return err
	}
	log := klog.FromContext(ctx)

	components, err := decompose(r.layers)
	if err != nil {
		return err
	}
	r.drain(ctx)

	r.groups = make([]*group, len(components))
	for i, layers := range components {
		g := newGroup(i, layers)
		for _, l := range layers {
			l.group = g
		}
		r.groups[i] = g
	}

	r.history = 0
	for _, c := range r.connections {
		r.history = max(r.history, c.delay)
	}
	if err := r.assignStreams(); err != nil {
		r.invalidate()
		return err
	}
	if r.batchSize != 0 {
		if err := r.resizeBuffers(); err != nil {
			r.invalidate()
			return err
		}
	}
	r.ready = true

	if log := log.V(2); log.Enabled() {
		for _, g := range r.groups {
			log.Info("scheduled group", "group", g.name, "layers", layerNames(g.layers), "recurrent", g.recurrent, "stream", g.stream.ID())
		}
	}
	return nil
}

// SccList returns the layer groups in evaluation order. It is empty until the
// schedule has been derived.
func (r *Rnn) SccList() [][]*Layer {
	list := make([][]*Layer, len(r.groups))
	for i, g := range r.groups {
		list[i] = append([]*Layer(nil), g.layers...)
	}
	return list
}

// drain waits for every stream to go idle. Faults that nobody collected are logged.
func (r *Rnn) drain(ctx context.Context) {
	if err := r.synchronizeStreams(ctx); err != nil {
		klog.FromContext(ctx).Error(err, "discarding uncollected stream fault")
	}
	r.aborted = false
}

func layerNames(layers []*Layer) []string {
	names := make([]string, len(layers))
	for i, l := range layers {
		names[i] = l.name
	}
	return names
}

func without[T comparable](items []T, item T) []T {
	out := items[:0]
	for _, i := range items {
		if i != item {
			out = append(out, i)
		}
	}
	return out
}

func contains[T comparable](items []T, item T) bool {
	for _, i := range items {
		if i == item {
			return true
		}
	}
	return false
}
