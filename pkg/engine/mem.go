package engine

import (
	"fmt"
	"math"
)

// ErrPinned is returned when a locked buffer would be resized or freed.
var ErrPinned = &Error{Kind: KindResource, message: "buffer is locked"}

// MaxElements bounds a single buffer. Larger requests fail with
// ErrOutOfMemory before they reach an allocator.
const MaxElements = math.MaxInt32

// CheckedSize returns rows*cols, failing with ErrOutOfMemory when the product
// exceeds MaxElements.
func CheckedSize(rows, cols int) (int, error) {
	if rows < 0 || cols < 0 {
		return 0, fmt.Errorf("%dx%d elements: %w", rows, cols, ErrDimensionMismatch)
	}
	if rows != 0 && cols > MaxElements/rows {
		return 0, fmt.Errorf("%dx%d elements: %w", rows, cols, ErrOutOfMemory)
	}
	return rows * cols, nil
}

// Mem is a block of engine memory at one location.
//
// Storage is attached lazily on the first write and dropped whenever the Mem
// is resized, so a resize never fails for lack of memory; the following write
// does. Validity is tracked at enqueue time: a Mem becomes valid once a write
// to it has been enqueued and must not be read before that.
//
// Mem is not safe for concurrent use. Kernels capture the storage slice when
// they are enqueued.
type Mem struct {
	engine   Engine
	location Location
	size     int

	storage    []float32
	valid      bool
	generation uint64
	pins       int
}

func NewMem(e Engine, location Location, size int) *Mem {
	return &Mem{
		engine:   e,
		location: location,
		size:     size,
	}
}

func (m *Mem) Engine() Engine {
	return m.engine
}

func (m *Mem) Location() Location {
	return m.location
}

// Size is the number of elements.
func (m *Mem) Size() int {
	return m.size
}

func (m *Mem) ByteSize() int64 {
	return int64(m.size) * ElemSize
}

func (m *Mem) Valid() bool {
	return m.valid
}

// Allocated reports whether storage is attached.
func (m *Mem) Allocated() bool {
	return m.storage != nil
}

// Storage returns the attached storage, for engine implementations.
func (m *Mem) Storage() []float32 {
	return m.storage
}

// AttachStorage is called by engine implementations from MemAlloc.
func (m *Mem) AttachStorage(data []float32) {
	m.storage = data
}

// DetachStorage is called by engine implementations from MemDealloc.
func (m *Mem) DetachStorage() []float32 {
	data := m.storage
	m.storage = nil
	return data
}

// Resize changes the logical size. The contents become invalid and existing
// views become stale.
func (m *Mem) Resize(size int) error {
	if size < 0 {
		return fmt.Errorf("resizing buffer to %d elements: %w", size, ErrDimensionMismatch)
	}
	if size > MaxElements {
		return fmt.Errorf("resizing buffer to %d elements: %w", size, ErrOutOfMemory)
	}
	if m.pins > 0 {
		return fmt.Errorf("resizing buffer of %d elements: %w", m.size, ErrPinned)
	}
	if size != m.size && m.storage != nil {
		m.engine.MemDealloc(m)
	}
	m.size = size
	m.valid = false
	m.generation++
	return nil
}

// Invalidate marks the contents as unusable without releasing storage.
func (m *Mem) Invalidate() {
	m.valid = false
}

// Free releases storage. The Mem can be written again afterwards.
func (m *Mem) Free() error {
	if m.pins > 0 {
		return fmt.Errorf("freeing buffer: %w", ErrPinned)
	}
	if m.storage != nil {
		m.engine.MemDealloc(m)
	}
	m.valid = false
	m.generation++
	return nil
}

func (m *Mem) ensureStorage() error {
	if m.storage != nil || m.size == 0 {
		return nil
	}
	return m.engine.MemAlloc(m)
}
