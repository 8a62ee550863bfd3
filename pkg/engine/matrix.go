package engine

import "fmt"

// Matrix is a column-major rows x cols view over a Mem, starting at offset
// elements. A Matrix either owns its Mem or is a view over a column range of
// another Matrix.
type Matrix struct {
	rows   int
	cols   int
	offset int
	mem    *Mem

	view       bool
	generation uint64
	locked     bool
}

// NewMatrix creates an owning matrix. No storage is allocated until the first
// write.
func NewMatrix(e Engine, location Location, rows, cols int) *Matrix {
	return &Matrix{
		rows: rows,
		cols: cols,
		mem:  NewMem(e, location, rows*cols),
	}
}

func (m *Matrix) Rows() int {
	return m.rows
}

func (m *Matrix) Cols() int {
	return m.cols
}

// Len is the number of elements.
func (m *Matrix) Len() int {
	return m.rows * m.cols
}

func (m *Matrix) Engine() Engine {
	return m.mem.engine
}

func (m *Matrix) Location() Location {
	return m.mem.location
}

func (m *Matrix) Mem() *Mem {
	return m.mem
}

func (m *Matrix) IsView() bool {
	return m.view
}

func (m *Matrix) SameShape(other *Matrix) bool {
	return m.rows == other.rows && m.cols == other.cols
}

func (m *Matrix) String() string {
	return fmt.Sprintf("%dx%d@%d", m.rows, m.cols, m.mem.location)
}

// View returns a non-owning matrix over columns colFrom..colTo inclusive.
func (m *Matrix) View(colFrom, colTo int) (*Matrix, error) {
	if err := m.checkStale(); err != nil {
		return nil, err
	}
	if colFrom < 0 || colTo >= m.cols || colFrom > colTo {
		return nil, fmt.Errorf("view of columns %d..%d of %v: %w", colFrom, colTo, m, ErrDimensionMismatch)
	}
	return &Matrix{
		rows:       m.rows,
		cols:       colTo - colFrom + 1,
		offset:     m.offset + colFrom*m.rows,
		mem:        m.mem,
		view:       true,
		generation: m.mem.generation,
	}, nil
}

// Resize changes the shape of an owning matrix. Contents become invalid and
// views over it become stale.
func (m *Matrix) Resize(rows, cols int) error {
	if m.view {
		return fmt.Errorf("resizing a view: %w", ErrUnsupported)
	}
	if rows == m.rows && cols == m.cols {
		return nil
	}
	size, err := CheckedSize(rows, cols)
	if err != nil {
		return err
	}
	if err := m.mem.Resize(size); err != nil {
		return err
	}
	m.rows = rows
	m.cols = cols
	return nil
}

// Free releases the storage of an owning matrix.
func (m *Matrix) Free() error {
	if m.view {
		return nil
	}
	return m.mem.Free()
}

// Lock pins the backing Mem so it cannot be resized or freed, and allows HostData.
func (m *Matrix) Lock() {
	if !m.locked {
		m.locked = true
		m.mem.pins++
	}
}

func (m *Matrix) Unlock() {
	if m.locked {
		m.locked = false
		m.mem.pins--
	}
}

// HostData returns the elements of a locked host matrix. The caller must have
// synchronized every stream that writes the matrix.
func (m *Matrix) HostData() ([]float32, error) {
	if !m.locked {
		return nil, fmt.Errorf("host data of %v: %w", m, ErrNotLocked)
	}
	if m.mem.location != HostLocation {
		return nil, fmt.Errorf("host data of %v: %w", m, ErrLocationMismatch)
	}
	return m.ReadData()
}

// Import enqueues a copy of values into the matrix.
func (m *Matrix) Import(values []float32, s *Stream) error {
	return m.Engine().MemImport(m, values, s)
}

// Export enqueues a copy of the matrix into values. values must not be read
// until s has been synchronized.
func (m *Matrix) Export(values []float32, s *Stream) error {
	return m.Engine().MemExport(m, values, s)
}

func (m *Matrix) checkStale() error {
	if m.view && m.generation != m.mem.generation {
		return fmt.Errorf("%v: %w", m, ErrStaleView)
	}
	return nil
}

func (m *Matrix) slice() []float32 {
	return m.mem.storage[m.offset : m.offset+m.rows*m.cols]
}

// ReadData returns the elements for a kernel that reads the matrix. It fails
// if the contents are invalid.
func (m *Matrix) ReadData() ([]float32, error) {
	if err := m.checkStale(); err != nil {
		return nil, err
	}
	if !m.mem.valid || m.mem.storage == nil {
		return nil, fmt.Errorf("reading %v: %w", m, ErrInvalidBuffer)
	}
	return m.slice(), nil
}

// WriteData returns the elements for a kernel that overwrites the matrix,
// allocating storage if needed. The Mem is valid from this point on.
func (m *Matrix) WriteData() ([]float32, error) {
	if err := m.checkStale(); err != nil {
		return nil, err
	}
	if err := m.mem.ensureStorage(); err != nil {
		return nil, err
	}
	m.mem.valid = true
	return m.slice(), nil
}

// UpdateData returns the elements for a kernel that reads and writes the matrix.
func (m *Matrix) UpdateData() ([]float32, error) {
	values, err := m.ReadData()
	if err != nil {
		return nil, err
	}
	return values, nil
}
