package fallback

import (
	"fmt"

	"github.com/chewxy/math32"
	"k8s.io/examples/AI/fractal/pkg/engine"
)

func sameShape(op string, matrices ...*engine.Matrix) error {
	for _, m := range matrices[1:] {
		if !m.SameShape(matrices[0]) {
			return fmt.Errorf("%s: %v and %v: %w", op, matrices[0], m, engine.ErrDimensionMismatch)
		}
	}
	return nil
}

func checkFinite(op string, values []float32) error {
	for i, v := range values {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return fmt.Errorf("%s produced %v at element %d: %w", op, v, i, engine.ErrNumericFault)
		}
	}
	return nil
}

func (e *Engine) MemCopy(src, dst *engine.Matrix, s *engine.Stream) error {
	if err := sameShape("MemCopy", src, dst); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("MemCopy: no stream: %w", engine.ErrStreamClosed)
	}
	from, err := src.ReadData()
	if err != nil {
		return err
	}
	to, err := dst.WriteData()
	if err != nil {
		return err
	}
	return s.Launch("MemCopy", func() error {
		copy(to, from)
		return nil
	})
}

func (e *Engine) MemImport(dst *engine.Matrix, values []float32, s *engine.Stream) error {
	if len(values) != dst.Len() {
		return fmt.Errorf("importing %d values into %v: %w", len(values), dst, engine.ErrDimensionMismatch)
	}
	if s == nil {
		return fmt.Errorf("MemImport: no stream: %w", engine.ErrStreamClosed)
	}
	to, err := dst.WriteData()
	if err != nil {
		return err
	}
	return s.Launch("MemImport", func() error {
		copy(to, values)
		return nil
	})
}

func (e *Engine) MemExport(src *engine.Matrix, values []float32, s *engine.Stream) error {
	if len(values) != src.Len() {
		return fmt.Errorf("exporting %v into %d values: %w", src, len(values), engine.ErrDimensionMismatch)
	}
	if s == nil {
		return fmt.Errorf("MemExport: no stream: %w", engine.ErrStreamClosed)
	}
	from, err := src.ReadData()
	if err != nil {
		return err
	}
	return s.Launch("MemExport", func() error {
		copy(values, from)
		return nil
	})
}

func (e *Engine) MatMult(a *engine.Matrix, transA bool, b *engine.Matrix, transB bool, c *engine.Matrix, alpha, beta float32, s *engine.Stream) error {
	m, k := a.Rows(), a.Cols()
	if transA {
		m, k = k, m
	}
	kb, n := b.Rows(), b.Cols()
	if transB {
		kb, n = n, kb
	}
	if k != kb || c.Rows() != m || c.Cols() != n {
		return fmt.Errorf("MatMult: %v (trans=%v) x %v (trans=%v) -> %v: %w", a, transA, b, transB, c, engine.ErrDimensionMismatch)
	}
	if err := e.onStream("MatMult", s, a, b, c); err != nil {
		return err
	}

	av, err := a.ReadData()
	if err != nil {
		return err
	}
	bv, err := b.ReadData()
	if err != nil {
		return err
	}
	var cv []float32
	if beta == 0 {
		cv, err = c.WriteData()
	} else {
		cv, err = c.UpdateData()
	}
	if err != nil {
		return err
	}

	lda, ldb, ldc := a.Rows(), b.Rows(), c.Rows()
	return s.Launch("MatMult", func() error {
		for j := 0; j < n; j++ {
			for i := 0; i < m; i++ {
				var sum float32
				for p := 0; p < k; p++ {
					var x, y float32
					if transA {
						x = av[i*lda+p]
					} else {
						x = av[p*lda+i]
					}
					if transB {
						y = bv[p*ldb+j]
					} else {
						y = bv[j*ldb+p]
					}
					sum += x * y
				}
				idx := j*ldc + i
				if beta == 0 {
					cv[idx] = alpha * sum
				} else {
					cv[idx] = alpha*sum + beta*cv[idx]
				}
			}
		}
		return checkFinite("MatMult", cv)
	})
}

func (e *Engine) MatAdd(a, b, c *engine.Matrix, s *engine.Stream) error {
	if err := sameShape("MatAdd", a, b, c); err != nil {
		return err
	}
	if err := e.onStream("MatAdd", s, a, b, c); err != nil {
		return err
	}
	av, err := a.ReadData()
	if err != nil {
		return err
	}
	bv, err := b.ReadData()
	if err != nil {
		return err
	}
	cv, err := c.WriteData()
	if err != nil {
		return err
	}
	return s.Launch("MatAdd", func() error {
		for i := range cv {
			cv[i] = av[i] + bv[i]
		}
		return nil
	})
}

func (e *Engine) MatAxpy(alpha float32, x, y *engine.Matrix, s *engine.Stream) error {
	if err := sameShape("MatAxpy", x, y); err != nil {
		return err
	}
	if err := e.onStream("MatAxpy", s, x, y); err != nil {
		return err
	}
	xv, err := x.ReadData()
	if err != nil {
		return err
	}
	yv, err := y.UpdateData()
	if err != nil {
		return err
	}
	return s.Launch("MatAxpy", func() error {
		for i := range yv {
			yv[i] += alpha * xv[i]
		}
		return nil
	})
}

func (e *Engine) MatElemMult(a, b, c *engine.Matrix, s *engine.Stream) error {
	if err := sameShape("MatElemMult", a, b, c); err != nil {
		return err
	}
	if err := e.onStream("MatElemMult", s, a, b, c); err != nil {
		return err
	}
	av, err := a.ReadData()
	if err != nil {
		return err
	}
	bv, err := b.ReadData()
	if err != nil {
		return err
	}
	cv, err := c.WriteData()
	if err != nil {
		return err
	}
	return s.Launch("MatElemMult", func() error {
		for i := range cv {
			cv[i] = av[i] * bv[i]
		}
		return nil
	})
}

func (e *Engine) MatTranspose(a, b *engine.Matrix, s *engine.Stream) error {
	if a.Rows() != b.Cols() || a.Cols() != b.Rows() {
		return fmt.Errorf("MatTranspose: %v -> %v: %w", a, b, engine.ErrDimensionMismatch)
	}
	if err := e.onStream("MatTranspose", s, a, b); err != nil {
		return err
	}
	av, err := a.ReadData()
	if err != nil {
		return err
	}
	bv, err := b.WriteData()
	if err != nil {
		return err
	}
	rows, cols := a.Rows(), a.Cols()
	return s.Launch("MatTranspose", func() error {
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				bv[i*cols+j] = av[j*rows+i]
			}
		}
		return nil
	})
}

func (e *Engine) MatSet(m *engine.Matrix, value float32, s *engine.Stream) error {
	if err := e.onStream("MatSet", s, m); err != nil {
		return err
	}
	mv, err := m.WriteData()
	if err != nil {
		return err
	}
	return s.Launch("MatSet", func() error {
		for i := range mv {
			mv[i] = value
		}
		return nil
	})
}

// MatRandN draws the values when the kernel is enqueued, so results depend only
// on the seed and the enqueue order.
func (e *Engine) MatRandN(m *engine.Matrix, mean, stdev float32, s *engine.Stream) error {
	if err := e.onStream("MatRandN", s, m); err != nil {
		return err
	}
	mv, err := m.WriteData()
	if err != nil {
		return err
	}
	values := e.normals(len(mv), mean, stdev)
	return s.Launch("MatRandN", func() error {
		copy(mv, values)
		return nil
	})
}

func (e *Engine) MatCopy(src, dst *engine.Matrix, s *engine.Stream) error {
	if err := e.onStream("MatCopy", s, src, dst); err != nil {
		return err
	}
	return e.MemCopy(src, dst, s)
}
