package engine

import (
	"fmt"
	"sync"
)

// Pipe is a cross-stream signal. Each Record on a stream issues a new
// generation; a wait captures the latest issued generation and holds its
// stream until that generation has fired.
type Pipe struct {
	name string

	mu        sync.Mutex
	owner     *Stream
	recorded  uint64
	completed uint64
	changed   chan struct{}
}

func NewPipe(name string) *Pipe {
	return &Pipe{
		name:    name,
		changed: make(chan struct{}),
	}
}

func (p *Pipe) Name() string {
	return p.name
}

func (p *Pipe) String() string {
	return "pipe " + p.name
}

// Recorded is the number of signals issued so far.
func (p *Pipe) Recorded() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recorded
}

// Outstanding is the number of issued signals that have not fired yet.
func (p *Pipe) Outstanding() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recorded - p.completed
}

// Owner is the stream the pipe was last recorded on.
func (p *Pipe) Owner() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

func (p *Pipe) issue(s *Stream) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner != nil && p.owner != s && p.recorded != p.completed {
		return 0, fmt.Errorf("recording %v on %v while %v has signals outstanding: %w", p, s, p.owner, ErrUnmetDependency)
	}
	p.owner = s
	p.recorded++
	return p.recorded, nil
}

func (p *Pipe) complete(generation uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if generation > p.completed {
		p.completed = generation
	}
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pipe) wait(generation uint64, stop <-chan struct{}) error {
	for {
		p.mu.Lock()
		if p.completed >= generation {
			p.mu.Unlock()
			return nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-stop:
			return fmt.Errorf("waiting on %v: %w", p, ErrStreamClosed)
		}
	}
}
