package rnn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/klog/v2"
)

// PassState tracks where the Rnn is in a forward/backward pass.
type PassState int

const (
	PassIdle PassState = iota
	PassInitialized
	PassRunning
	PassComplete
)

func (s PassState) String() string {
	switch s {
	case PassInitialized:
		return "initialized"
	case PassRunning:
		return "running"
	case PassComplete:
		return "complete"
	default:
		return "idle"
	}
}

type Direction int

const (
	DirectionForward Direction = iota
	DirectionBackward
)

func (d Direction) String() string {
	if d == DirectionBackward {
		return "backward"
	}
	return "forward"
}

func (r *Rnn) State() PassState {
	return r.state
}

func (r *Rnn) Direction() Direction {
	return r.direction
}

// Pass numbers the forward passes started by InitForward.
func (r *Rnn) Pass() uint64 {
	return r.pass
}

func passOrder(op string, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", op, fmt.Sprintf(format, args...), engine.ErrPassOrder)
}

// InitForward starts a forward pass: it derives the schedule if needed and
// fills the history steps of every layer. The previous pass must have been
// synchronized.
func (r *Rnn) InitForward(ctx context.Context) error {
	if r.state == PassRunning {
		return passOrder("InitForward", "previous pass was not synchronized")
	}
	if r.batchSize == 0 {
		return passOrder("InitForward", "batch size is not set")
	}
	if err := r.Ready(ctx); err != nil {
		return err
	}

	carry := r.canCarry && r.numSteps >= r.history
	r.canCarry = false
	r.pass++
	for _, g := range r.groups {
		for _, l := range g.layers {
			if err := l.initHistory(g.stream, carry); err != nil {
				return r.abort(ctx, fmt.Errorf("initializing history of %q: %w", l.name, err))
			}
		}
	}

	r.state = PassInitialized
	r.direction = DirectionForward
	r.nextForward = 0
	r.nextBackward = -1
	klog.FromContext(ctx).V(4).Info("initialized forward pass", "pass", r.pass, "carry", carry)
	return nil
}

// Forward issues steps from..to of the forward pass. Ranges must follow each
// other without gaps. The call returns once the kernels are enqueued.
func (r *Rnn) Forward(ctx context.Context, from, to int) error {
	if r.direction != DirectionForward || r.state == PassIdle {
		return passOrder("Forward", "no forward pass was initialized")
	}
	if from != r.nextForward {
		return passOrder("Forward", "range starts at %d, expected %d", from, r.nextForward)
	}
	if to < from || to >= r.numSteps {
		return fmt.Errorf("forward steps %d..%d of %d: %w", from, to, r.numSteps, engine.ErrDimensionMismatch)
	}
	for _, p := range r.probes {
		if p.kind == ProbeInput {
			if err := p.checkStamped(from, to); err != nil {
				return err
			}
		}
	}

	r.state = PassRunning
	for _, g := range r.groups {
		if err := r.forwardGroup(g, from, to); err != nil {
			return r.abort(ctx, err)
		}
	}
	r.nextForward = to + 1
	r.canCarry = r.nextForward == r.numSteps
	return nil
}

func (r *Rnn) forwardGroup(g *group, from, to int) error {
	deps := r.forwardDependencies(g)
	if err := r.waitFor(g, deps); err != nil {
		return err
	}
	if err := r.issueForward(g, deps, from, to); err != nil {
		return err
	}
	return r.signal(&g.dependency)
}

func (r *Rnn) issueForward(g *group, deps []*dependency, from, to int) error {
	if err := r.checkCommitted(g, deps); err != nil {
		return err
	}
	g.unsignaled = true
	if !g.recurrent {
		for _, l := range g.layers {
			if err := l.forward(g.stream, from, to); err != nil {
				return fmt.Errorf("forward %q: %w", l.name, err)
			}
		}
		return nil
	}
	for t := from; t <= to; t++ {
		for _, l := range g.layers {
			if err := l.forward(g.stream, t, t); err != nil {
				return fmt.Errorf("forward %q at step %d: %w", l.name, t, err)
			}
		}
	}
	return nil
}

// InitBackward starts the backward pass over the steps forwarded so far. It
// zeroes the gradients and the errors that delayed connections send past
// the last step.
func (r *Rnn) InitBackward(ctx context.Context) error {
	if r.direction != DirectionForward || (r.state != PassRunning && r.state != PassComplete) || r.nextForward == 0 {
		return passOrder("InitBackward", "no forward steps to go back over")
	}
	for _, l := range r.layers {
		if l.needsError() && l.outputProbe == nil && len(l.dstConnections) != 0 && !l.act.HasDerivative() {
			return fmt.Errorf("backward through %v: %w", l, engine.ErrUnsupported)
		}
	}

	e := r.engine
	for _, g := range r.groups {
		for _, l := range g.layers {
			for _, c := range l.srcConnections {
				if !c.identity {
					if err := e.MatSet(c.gradient, 0, g.stream); err != nil {
						return r.abort(ctx, fmt.Errorf("zeroing gradient of %s: %w", c.ID(), err))
					}
				}
				if c.delay > 0 && c.src.needsError() {
					if err := e.MatSet(c.srcErr, 0, g.stream); err != nil {
						return r.abort(ctx, fmt.Errorf("zeroing error of %s: %w", c.ID(), err))
					}
				}
			}
		}
	}

	// The zeroing kernels are outstanding until the next Synchronize.
	r.state = PassRunning
	r.direction = DirectionBackward
	r.nextBackward = r.nextForward - 1
	return nil
}

// Backward issues steps from..to of the backward pass, walking back from the
// last forwarded step: to must be the step before the previous range.
func (r *Rnn) Backward(ctx context.Context, from, to int) error {
	if r.direction != DirectionBackward || r.state == PassIdle {
		return passOrder("Backward", "no backward pass was initialized")
	}
	if to != r.nextBackward {
		return passOrder("Backward", "range ends at %d, expected %d", to, r.nextBackward)
	}
	if from < 0 || from > to {
		return fmt.Errorf("backward steps %d..%d: %w", from, to, engine.ErrDimensionMismatch)
	}
	for _, p := range r.probes {
		if p.kind == ProbeOutput {
			if err := p.checkStamped(from, to); err != nil {
				return err
			}
		}
	}

	r.state = PassRunning
	for _, g := range slices.Backward(r.groups) {
		if err := r.backwardGroup(g, from, to); err != nil {
			return r.abort(ctx, err)
		}
	}
	r.nextBackward = from - 1
	return nil
}

func (r *Rnn) backwardGroup(g *group, from, to int) error {
	deps := r.backwardDependencies(g)
	if err := r.waitFor(g, deps); err != nil {
		return err
	}
	if err := r.issueBackward(g, deps, from, to); err != nil {
		return err
	}
	return r.signal(&g.dependency)
}

func (r *Rnn) issueBackward(g *group, deps []*dependency, from, to int) error {
	if err := r.checkCommitted(g, deps); err != nil {
		return err
	}
	g.unsignaled = true
	if !g.recurrent {
		for _, l := range g.layers {
			if err := l.backward(g.stream, from, to); err != nil {
				return fmt.Errorf("backward %q: %w", l.name, err)
			}
		}
	} else {
		for t := to; t >= from; t-- {
			for _, l := range slices.Backward(g.layers) {
				if err := l.backward(g.stream, t, t); err != nil {
					return fmt.Errorf("backward %q at step %d: %w", l.name, t, err)
				}
			}
		}
	}
	for _, l := range g.layers {
		if err := l.accumulate(g.stream, from, to); err != nil {
			return fmt.Errorf("gradient of %q: %w", l.name, err)
		}
	}
	return nil
}

// Synchronize blocks until every stream has drained. A fault on any stream
// aborts the pass and is returned; calling Synchronize again returns nil.
func (r *Rnn) Synchronize(ctx context.Context) error {
	if err := r.synchronizeStreams(ctx); err != nil {
		r.state = PassIdle
		r.canCarry = false
		r.aborted = true
		return err
	}
	if r.state == PassRunning {
		r.state = PassComplete
	}
	return nil
}

func (r *Rnn) synchronizeStreams(ctx context.Context) error {
	streams := append([]*engine.Stream{r.setup}, r.streams...)
	for _, p := range r.probes {
		if p.stream != nil {
			streams = append(streams, p.stream)
		}
	}

	var mu sync.Mutex
	var faults []error
	var eg errgroup.Group
	for _, s := range streams {
		eg.Go(func() error {
			if err := r.engine.StreamSynchronize(ctx, s); err != nil {
				mu.Lock()
				faults = append(faults, err)
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()
	return errors.Join(faults...)
}

// StreamWait makes s wait for the latest signal of every group and probe,
// so that work issued on s afterwards sees the results of the pass.
func (r *Rnn) StreamWait(s *engine.Stream) error {
	deps := make([]*dependency, 0, len(r.groups)+len(r.probes))
	for _, g := range r.groups {
		deps = append(deps, &g.dependency)
	}
	for _, p := range r.probes {
		deps = append(deps, &p.dependency)
	}
	for _, d := range deps {
		if d.stream == s || d.pipe == nil || d.pipe.Recorded() == 0 {
			continue
		}
		if err := r.engine.StreamWaitEvent(s, d.pipe); err != nil {
			return fmt.Errorf("waiting for %s: %w", d.name, err)
		}
	}
	return nil
}

// Aborted reports whether the last pass was abandoned after an error.
func (r *Rnn) Aborted() bool {
	return r.aborted
}

// abort abandons the pass after a failure to issue work. Whatever was already
// enqueued is drained so the Rnn can be reconfigured and retried.
func (r *Rnn) abort(ctx context.Context, err error) error {
	klog.FromContext(ctx).Error(err, "aborting pass", "pass", r.pass, "direction", r.direction)
	r.drain(ctx)
	for _, g := range r.groups {
		g.unsignaled = false
	}
	for _, p := range r.probes {
		p.unsignaled = false
	}
	r.state = PassIdle
	r.canCarry = false
	r.aborted = true
	return err
}
