package engine

import (
	"context"
	"fmt"
	"sync"
)

type operation struct {
	name   string
	kernel bool
	run    func() error
}

// Stream is an ordered queue of asynchronous operations on one location.
// Operations retire in enqueue order on a dedicated goroutine. Enqueueing never
// blocks the caller.
//
// A failing kernel faults the stream: later kernels are skipped until the
// fault is collected by Synchronize, but pipe records and waits still run so
// that other streams are not left waiting.
type Stream struct {
	id       int
	location Location

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []operation
	closed   bool
	fault    error
	observed map[*Pipe]uint64

	stop chan struct{}
	done chan struct{}
}

// NewStream starts a stream worker. Engine implementations call this from StreamCreate.
func NewStream(id int, location Location) *Stream {
	s := &Stream{
		id:       id,
		location: location,
		observed: make(map[*Pipe]uint64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *Stream) ID() int {
	return s.id
}

func (s *Stream) Location() Location {
	return s.location
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream-%d", s.id)
}

func (s *Stream) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = operation{}
		s.queue = s.queue[1:]
		skip := next.kernel && s.fault != nil
		s.mu.Unlock()

		if skip {
			continue
		}
		if err := next.run(); err != nil {
			s.mu.Lock()
			if s.fault == nil {
				s.fault = fmt.Errorf("%s on %v: %w", next.name, s, err)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Stream) enqueueLocked(op operation) error {
	if s.closed {
		return fmt.Errorf("enqueueing %s on %v: %w", op.name, s, ErrStreamClosed)
	}
	s.queue = append(s.queue, op)
	s.cond.Signal()
	return nil
}

func (s *Stream) enqueue(op operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(op)
}

// Launch enqueues a kernel.
func (s *Stream) Launch(name string, kernel func() error) error {
	return s.enqueue(operation{name: name, kernel: true, run: kernel})
}

// Record enqueues a signal on p that fires once everything enqueued on s so far has retired.
func (s *Stream) Record(p *Pipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("recording %v on %v: %w", p, s, ErrStreamClosed)
	}
	generation, err := p.issue(s)
	if err != nil {
		return err
	}
	return s.enqueueLocked(operation{
		name: "record " + p.name,
		run: func() error {
			p.complete(generation)
			return nil
		},
	})
}

// WaitFor makes later operations on s wait until the most recent signal
// recorded on p has fired. The caller is not blocked. Waiting on a pipe that
// was never recorded is an unmet dependency.
func (s *Stream) WaitFor(p *Pipe) error {
	generation := p.Recorded()
	if generation == 0 {
		return fmt.Errorf("%v waiting on %v: never signalled: %w", s, p, ErrUnmetDependency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enqueueLocked(operation{
		name: "wait " + p.name,
		run: func() error {
			return p.wait(generation, s.stop)
		},
	}); err != nil {
		return err
	}
	if s.observed[p] < generation {
		s.observed[p] = generation
	}
	return nil
}

// Observed is the latest generation of p that s has been made to wait for.
func (s *Stream) Observed(p *Pipe) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observed[p]
}

// Synchronize blocks until every operation enqueued so far has retired, then
// returns and clears any fault.
func (s *Stream) Synchronize(ctx context.Context) error {
	drained := make(chan struct{})
	if err := s.enqueue(operation{
		name: "synchronize",
		run: func() error {
			close(drained)
			return nil
		},
	}); err != nil {
		return err
	}

	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fault := s.fault
	s.fault = nil
	return fault
}

// Close drains the stream and stops its worker. Pending waits are abandoned.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.stop)
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.done
	return nil
}
