package engine

import (
	"context"
	"io"
)

// Engine is an execution device: it owns memory at one or more locations and
// issues kernels on streams. Every kernel is asynchronous; shapes and
// locations are checked before the kernel is enqueued.
type Engine interface {
	io.Closer

	Name() string
	Locations() []Location
	// MaxStreams is the number of independent streams a scheduler should use.
	MaxStreams() int

	MemAlloc(mem *Mem) error
	MemDealloc(mem *Mem)
	// MemCopy is the only operation that may cross locations.
	MemCopy(src, dst *Matrix, s *Stream) error
	MemImport(dst *Matrix, values []float32, s *Stream) error
	MemExport(src *Matrix, values []float32, s *Stream) error

	StreamCreate(location Location) (*Stream, error)
	StreamDestroy(s *Stream) error
	StreamSynchronize(ctx context.Context, s *Stream) error
	StreamWaitEvent(s *Stream, p *Pipe) error
	EventRecord(p *Pipe, s *Stream) error

	// MatMult computes c = alpha*op(a)*op(b) + beta*c.
	MatMult(a *Matrix, transA bool, b *Matrix, transB bool, c *Matrix, alpha, beta float32, s *Stream) error
	// MatAdd computes c = a + b.
	MatAdd(a, b, c *Matrix, s *Stream) error
	// MatAxpy computes y += alpha*x.
	MatAxpy(alpha float32, x, y *Matrix, s *Stream) error
	// MatElemMult computes c = a .* b.
	MatElemMult(a, b, c *Matrix, s *Stream) error
	MatTranspose(a, b *Matrix, s *Stream) error
	MatSet(m *Matrix, value float32, s *Stream) error
	MatRandN(m *Matrix, mean, stdev float32, s *Stream) error
	MatCopy(src, dst *Matrix, s *Stream) error

	// FuncActivation computes act = f(state) column by column.
	FuncActivation(kind ActKind, state, act *Matrix, s *Stream) error
	// FuncActivationDeriv computes deriv = f'(x) expressed in terms of act = f(x).
	FuncActivationDeriv(kind ActKind, act, deriv *Matrix, s *Stream) error
	// FuncRmsprop updates ms with grad and writes the normalized gradient to out.
	FuncRmsprop(grad, ms, out *Matrix, decayRate float32, s *Stream) error
	// FuncAdadelta updates both running averages and writes the step to out.
	FuncAdadelta(grad, msDeriv, msDelta, out *Matrix, rate, decayRate float32, s *Stream) error
}
