// Package checkpoint stores the state of an Rnn as a flat binary file.
//
// The file is little-endian: a header (magic, version, connection count)
// followed by one record per connection. A record is the source and
// destination layer names, the RMS decay rate and four shape-tagged tensors
// (weights, momentum, msDeriv, msDelta). A tensor is uint32 rows, uint32
// cols, uint32 element size and rows*cols elements in column-major order.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"k8s.io/examples/AI/fractal/pkg/rnn"
)

const (
	magic   = "FRCK"
	version = 1

	elemSize = 4

	maxNameLength = 1 << 12
	maxElements   = 1 << 28
)

var ErrCorrupt = errors.New("corrupt checkpoint")

func tensorsOf(s *rnn.ConnectionState) []*rnn.TensorState {
	return []*rnn.TensorState{&s.Weights, &s.Momentum, &s.MsDeriv, &s.MsDelta}
}

// Encode writes states to w. Records are encoded concurrently and written in
// order.
func Encode(w io.Writer, states []rnn.ConnectionState) error {
	records := make([][]byte, len(states))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range states {
		g.Go(func() error {
			b, err := encodeRecord(&states[i])
			if err != nil {
				return fmt.Errorf("encoding %s: %w", states[i].ID(), err)
			}
			records[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	bw.WriteString(magic)
	binary.Write(bw, binary.LittleEndian, uint32(version))
	binary.Write(bw, binary.LittleEndian, uint32(len(states)))
	for _, b := range records {
		bw.Write(b)
	}
	return bw.Flush()
}

func encodeRecord(s *rnn.ConnectionState) ([]byte, error) {
	var b bytes.Buffer
	for _, name := range []string{s.Source, s.Destination} {
		if len(name) > maxNameLength {
			return nil, fmt.Errorf("layer name of %d bytes", len(name))
		}
		b.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(name))))
		b.WriteString(name)
	}
	b.Write(binary.LittleEndian.AppendUint32(nil, math.Float32bits(s.DecayRate)))
	for _, t := range tensorsOf(s) {
		if len(t.Values) != 0 && len(t.Values) != t.Rows*t.Cols {
			return nil, fmt.Errorf("%dx%d tensor with %d values", t.Rows, t.Cols, len(t.Values))
		}
		n := len(t.Values)
		rows, cols := t.Rows, t.Cols
		if n == 0 {
			rows, cols = 0, 0
		}
		buf := make([]byte, 12+n*elemSize)
		binary.LittleEndian.PutUint32(buf[0:], uint32(rows))
		binary.LittleEndian.PutUint32(buf[4:], uint32(cols))
		binary.LittleEndian.PutUint32(buf[8:], elemSize)
		for i, v := range t.Values {
			binary.LittleEndian.PutUint32(buf[12+i*elemSize:], math.Float32bits(v))
		}
		b.Write(buf)
	}
	return b.Bytes(), nil
}

// Decode reads the states written by Encode.
func Decode(r io.Reader) ([]rnn.ConnectionState, error) {
	br := bufio.NewReader(r)

	header := make([]byte, len(magic)+8)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("reading header: %w", corrupt(err))
	}
	if string(header[:len(magic)]) != magic {
		return nil, fmt.Errorf("bad magic %q: %w", header[:len(magic)], ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(header[len(magic):]); v != version {
		return nil, fmt.Errorf("unsupported version %d: %w", v, ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(header[len(magic)+4:])

	var states []rnn.ConnectionState
	for i := uint32(0); i < count; i++ {
		s, err := decodeRecord(br)
		if err != nil {
			return nil, fmt.Errorf("reading connection %d of %d: %w", i, count, err)
		}
		states = append(states, s)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("trailing data: %w", ErrCorrupt)
	}
	return states, nil
}

func decodeRecord(r io.Reader) (rnn.ConnectionState, error) {
	var s rnn.ConnectionState
	var err error
	if s.Source, err = readName(r); err != nil {
		return s, err
	}
	if s.Destination, err = readName(r); err != nil {
		return s, err
	}
	decay, err := readUint32(r)
	if err != nil {
		return s, err
	}
	s.DecayRate = math.Float32frombits(decay)

	for _, t := range tensorsOf(&s) {
		if *t, err = readTensor(r); err != nil {
			return s, fmt.Errorf("%s: %w", s.ID(), err)
		}
	}
	return s, nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, corrupt(err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readName(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if n > maxNameLength {
		return "", fmt.Errorf("layer name of %d bytes: %w", n, ErrCorrupt)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", corrupt(err)
	}
	return string(b), nil
}

func readTensor(r io.Reader) (rnn.TensorState, error) {
	var shape [12]byte
	if _, err := io.ReadFull(r, shape[:]); err != nil {
		return rnn.TensorState{}, corrupt(err)
	}
	rows := binary.LittleEndian.Uint32(shape[0:])
	cols := binary.LittleEndian.Uint32(shape[4:])
	if size := binary.LittleEndian.Uint32(shape[8:]); size != elemSize {
		return rnn.TensorState{}, fmt.Errorf("element size %d: %w", size, ErrCorrupt)
	}
	n := uint64(rows) * uint64(cols)
	if n > maxElements {
		return rnn.TensorState{}, fmt.Errorf("%dx%d tensor: %w", rows, cols, ErrCorrupt)
	}
	if n == 0 {
		return rnn.TensorState{}, nil
	}

	data := make([]byte, n*elemSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return rnn.TensorState{}, corrupt(err)
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*elemSize:]))
	}
	return rnn.TensorState{Rows: int(rows), Cols: int(cols), Values: values}, nil
}

// corrupt reports a truncated file as ErrCorrupt.
func corrupt(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("truncated: %w", ErrCorrupt)
	}
	return err
}
