package rnn

import (
	"fmt"

	"k8s.io/examples/AI/fractal/pkg/engine"
)

// dependency is something whose writes other streams consume: a layer group
// or a probe. Its pipe is recorded on its stream after every batch of writes.
type dependency struct {
	name       string
	stream     *engine.Stream
	pipe       *engine.Pipe
	unsignaled bool
}

// group is one strongly connected component, evaluated on one stream.
type group struct {
	dependency

	index     int
	layers    []*Layer
	recurrent bool
	// continued is set once a consumer group has taken over this group's stream.
	continued bool
}

func newGroup(index int, layers []*Layer) *group {
	name := fmt.Sprintf("scc-%d", index)
	return &group{
		dependency: dependency{
			name: name,
			pipe: engine.NewPipe(name),
		},
		index:     index,
		layers:    layers,
		recurrent: isRecurrent(layers),
	}
}

// assignStreams maps groups onto at most engine.MaxStreams streams. A group
// continues the stream of its first producer that no other group has
// continued yet, so chains stay on one stream and need no waits; otherwise
// it takes the next stream round-robin.
func (r *Rnn) assignStreams() error {
	n := min(max(r.engine.MaxStreams(), 1), max(len(r.groups), 1))
	for len(r.streams) < n {
		s, err := r.engine.StreamCreate(r.options.Location)
		if err != nil {
			return fmt.Errorf("creating stream: %w", err)
		}
		r.streams = append(r.streams, s)
	}

	next := 0
	for _, g := range r.groups {
		g.stream = nil
		for _, p := range r.producerGroups(g) {
			if !p.continued {
				p.continued = true
				g.stream = p.stream
				break
			}
		}
		if g.stream == nil {
			g.stream = r.streams[next%n]
			next++
		}
	}
	return nil
}

func (r *Rnn) producerGroups(g *group) []*group {
	var producers []*group
	for _, l := range g.layers {
		for _, c := range l.srcConnections {
			if p := c.src.group; p != g && !contains(producers, p) {
				producers = append(producers, p)
			}
		}
	}
	return producers
}

func addDependency(deps []*dependency, d *dependency) []*dependency {
	if contains(deps, d) {
		return deps
	}
	return append(deps, d)
}

// forwardDependencies are the producer groups and input probes a group reads.
func (r *Rnn) forwardDependencies(g *group) []*dependency {
	var deps []*dependency
	for _, p := range r.producerGroups(g) {
		deps = addDependency(deps, &p.dependency)
	}
	for _, l := range g.layers {
		if l.inputProbe != nil {
			deps = addDependency(deps, &l.inputProbe.dependency)
		}
	}
	return deps
}

// backwardDependencies adds the consumer groups whose errors flow back into
// the group, and output probes that supply errors.
func (r *Rnn) backwardDependencies(g *group) []*dependency {
	deps := r.forwardDependencies(g)
	for _, l := range g.layers {
		for _, c := range l.dstConnections {
			if consumer := c.dst.group; consumer != g {
				deps = addDependency(deps, &consumer.dependency)
			}
		}
		if l.outputProbe != nil {
			deps = addDependency(deps, &l.outputProbe.dependency)
		}
	}
	return deps
}

// waitFor makes g's stream wait for the latest signal of every dependency on
// another stream. The caller is not blocked.
func (r *Rnn) waitFor(g *group, deps []*dependency) error {
	for _, d := range deps {
		if d.stream == g.stream {
			continue
		}
		if err := r.engine.StreamWaitEvent(g.stream, d.pipe); err != nil {
			return fmt.Errorf("%s waiting for %s: %w", g.name, d.name, err)
		}
	}
	return nil
}

// checkCommitted refuses to issue g's kernels unless every dependency has
// signalled its writes and g's stream waits for that signal.
func (r *Rnn) checkCommitted(g *group, deps []*dependency) error {
	for _, d := range deps {
		if d.unsignaled {
			return fmt.Errorf("%s reads from %s before it signalled: %w", g.name, d.name, engine.ErrUnmetDependency)
		}
		if d.stream == g.stream {
			continue
		}
		if g.stream.Observed(d.pipe) < d.pipe.Recorded() {
			return fmt.Errorf("%s on %v does not wait for %s on %v: %w", g.name, g.stream, d.name, d.stream, engine.ErrUnmetDependency)
		}
	}
	return nil
}

func (r *Rnn) signal(d *dependency) error {
	if err := r.engine.EventRecord(d.pipe, d.stream); err != nil {
		return fmt.Errorf("signalling %s: %w", d.name, err)
	}
	d.unsignaled = false
	return nil
}
