package fallback

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/examples/AI/fractal/pkg/engine"
)

// DeviceLocation is a simulated accelerator location. Its memory lives on the
// host but is accounted separately and can only be reached from the host
// through MemCopy, MemImport and MemExport.
const DeviceLocation engine.Location = 1

const defaultMaxStreams = 4

type Options struct {
	// Seed seeds MatRandN.
	Seed int64
	// MaxStreams defaults to 4.
	MaxStreams int
	// HostMemoryLimit and DeviceMemoryLimit are in bytes; zero means unlimited.
	HostMemoryLimit   int64
	DeviceMemoryLimit int64
}

// Engine runs every kernel in pure Go on the stream's worker goroutine.
type Engine struct {
	options Options

	mu        sync.Mutex
	rng       *rand.Rand
	allocated map[engine.Location]int64
	streams   map[*engine.Stream]struct{}
	nextID    int
}

var _ engine.Engine = (*Engine)(nil)

func New(options Options) *Engine {
	if options.MaxStreams <= 0 {
		options.MaxStreams = defaultMaxStreams
	}
	return &Engine{
		options:   options,
		rng:       rand.New(rand.NewSource(options.Seed)),
		allocated: make(map[engine.Location]int64),
		streams:   make(map[*engine.Stream]struct{}),
	}
}

func (e *Engine) Name() string {
	return "fallback"
}

func (e *Engine) Locations() []engine.Location {
	return []engine.Location{engine.HostLocation, DeviceLocation}
}

func (e *Engine) MaxStreams() int {
	return e.options.MaxStreams
}

// Allocated returns the bytes currently allocated at location.
func (e *Engine) Allocated(location engine.Location) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocated[location]
}

func (e *Engine) limit(location engine.Location) int64 {
	if location == DeviceLocation {
		return e.options.DeviceMemoryLimit
	}
	return e.options.HostMemoryLimit
}

func (e *Engine) checkLocation(location engine.Location) error {
	if location != engine.HostLocation && location != DeviceLocation {
		return fmt.Errorf("location %d on %s engine: %w", location, e.Name(), engine.ErrLocationMismatch)
	}
	return nil
}

func (e *Engine) MemAlloc(mem *engine.Mem) error {
	if err := e.checkLocation(mem.Location()); err != nil {
		return err
	}
	if mem.Allocated() {
		e.MemDealloc(mem)
	}

	bytes := mem.ByteSize()
	if mem.Size() < 0 || mem.Size() > engine.MaxElements {
		return fmt.Errorf("allocating %d elements at location %d: %w", mem.Size(), mem.Location(), engine.ErrOutOfMemory)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit := e.limit(mem.Location()); limit > 0 && e.allocated[mem.Location()]+bytes > limit {
		return fmt.Errorf("allocating %d bytes at location %d (%d of %d in use): %w",
			bytes, mem.Location(), e.allocated[mem.Location()], limit, engine.ErrOutOfMemory)
	}
	e.allocated[mem.Location()] += bytes
	mem.AttachStorage(make([]float32, mem.Size()))
	return nil
}

func (e *Engine) MemDealloc(mem *engine.Mem) {
	data := mem.DetachStorage()
	if data == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allocated[mem.Location()] -= int64(len(data)) * engine.ElemSize
}

func (e *Engine) StreamCreate(location engine.Location) (*engine.Stream, error) {
	if err := e.checkLocation(location); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	s := engine.NewStream(e.nextID, location)
	e.streams[s] = struct{}{}
	return s, nil
}

func (e *Engine) StreamDestroy(s *engine.Stream) error {
	e.mu.Lock()
	delete(e.streams, s)
	e.mu.Unlock()
	return s.Close()
}

func (e *Engine) StreamSynchronize(ctx context.Context, s *engine.Stream) error {
	return s.Synchronize(ctx)
}

func (e *Engine) StreamWaitEvent(s *engine.Stream, p *engine.Pipe) error {
	return s.WaitFor(p)
}

func (e *Engine) EventRecord(p *engine.Pipe, s *engine.Stream) error {
	return s.Record(p)
}

// Close destroys every stream that is still open.
func (e *Engine) Close() error {
	e.mu.Lock()
	streams := make([]*engine.Stream, 0, len(e.streams))
	for s := range e.streams {
		streams = append(streams, s)
	}
	e.streams = make(map[*engine.Stream]struct{})
	e.mu.Unlock()

	var g errgroup.Group
	for _, s := range streams {
		g.Go(s.Close)
	}
	return g.Wait()
}

// onStream checks that every operand lives where the stream runs.
func (e *Engine) onStream(op string, s *engine.Stream, operands ...*engine.Matrix) error {
	if s == nil {
		return fmt.Errorf("%s: no stream: %w", op, engine.ErrStreamClosed)
	}
	for _, m := range operands {
		if m.Engine() != engine.Engine(e) {
			return fmt.Errorf("%s: %v belongs to another engine: %w", op, m, engine.ErrLocationMismatch)
		}
		if m.Location() != s.Location() {
			return fmt.Errorf("%s: %v is not at the location of %v: %w", op, m, s, engine.ErrLocationMismatch)
		}
	}
	return nil
}

func (e *Engine) normals(n int, mean, stdev float32) []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	values := make([]float32, n)
	for i := range values {
		values[i] = mean + stdev*float32(e.rng.NormFloat64())
	}
	return values
}
