package fallback

import (
	"fmt"

	"github.com/chewxy/math32"
	"k8s.io/examples/AI/fractal/pkg/engine"
)

const (
	rmspropEpsilon  = 1e-8
	adadeltaEpsilon = 1e-6
)

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// softplus is log(1+e^x) without overflow for large x.
func softplus(x float32) float32 {
	return math32.Max(x, 0) + math32.Log(1+math32.Exp(-math32.Abs(x)))
}

func activate(kind engine.ActKind, rows int, x, y []float32) error {
	switch kind {
	case engine.ActBias:
		for i := range y {
			y[i] = 1
		}
	case engine.ActLinear:
		copy(y, x)
	case engine.ActSigmoid:
		for i, v := range x {
			y[i] = sigmoid(v)
		}
	case engine.ActTanh:
		for i, v := range x {
			y[i] = math32.Tanh(v)
		}
	case engine.ActSoftplus:
		for i, v := range x {
			y[i] = softplus(v)
		}
	case engine.ActRectLinear:
		for i, v := range x {
			y[i] = math32.Max(v, 0)
		}
	case engine.ActOneMinusLinear:
		for i, v := range x {
			y[i] = 1 - v
		}
	case engine.ActInverse:
		for i, v := range x {
			y[i] = -v
		}
	case engine.ActSoftmax:
		for col := 0; col+rows <= len(x); col += rows {
			in, out := x[col:col+rows], y[col:col+rows]
			peak := math32.Inf(-1)
			for _, v := range in {
				peak = math32.Max(peak, v)
			}
			var sum float32
			for i, v := range in {
				out[i] = math32.Exp(v - peak)
				sum += out[i]
			}
			for i := range out {
				out[i] /= sum
			}
		}
	default:
		return fmt.Errorf("activation %v: %w", kind, engine.ErrUnsupported)
	}
	return nil
}

func derivative(kind engine.ActKind, act, deriv []float32) error {
	switch kind {
	case engine.ActLinear:
		for i := range deriv {
			deriv[i] = 1
		}
	case engine.ActSigmoid:
		for i, a := range act {
			deriv[i] = a * (1 - a)
		}
	case engine.ActTanh:
		for i, a := range act {
			deriv[i] = 1 - a*a
		}
	case engine.ActSoftplus:
		// d/dx log(1+e^x) = sigmoid(x) = 1 - e^-act
		for i, a := range act {
			deriv[i] = 1 - math32.Exp(-a)
		}
	case engine.ActRectLinear:
		for i, a := range act {
			if a > 0 {
				deriv[i] = 1
			} else {
				deriv[i] = 0
			}
		}
	case engine.ActOneMinusLinear, engine.ActInverse:
		for i := range deriv {
			deriv[i] = -1
		}
	default:
		return fmt.Errorf("derivative of %v: %w", kind, engine.ErrUnsupported)
	}
	return nil
}

func (e *Engine) FuncActivation(kind engine.ActKind, state, act *engine.Matrix, s *engine.Stream) error {
	if err := sameShape("FuncActivation", state, act); err != nil {
		return err
	}
	if err := e.onStream("FuncActivation", s, state, act); err != nil {
		return err
	}
	if kind < engine.ActBias || kind > engine.ActSoftmax {
		return fmt.Errorf("activation %v: %w", kind, engine.ErrUnsupported)
	}

	var x []float32
	if kind != engine.ActBias {
		var err error
		if x, err = state.ReadData(); err != nil {
			return err
		}
	}
	y, err := act.WriteData()
	if err != nil {
		return err
	}
	rows := state.Rows()
	name := "activation " + kind.String()
	return s.Launch(name, func() error {
		if err := activate(kind, rows, x, y); err != nil {
			return err
		}
		return checkFinite(name, y)
	})
}

func (e *Engine) FuncActivationDeriv(kind engine.ActKind, act, deriv *engine.Matrix, s *engine.Stream) error {
	if !kind.HasDerivative() {
		return fmt.Errorf("derivative of %v: %w", kind, engine.ErrUnsupported)
	}
	if err := sameShape("FuncActivationDeriv", act, deriv); err != nil {
		return err
	}
	if err := e.onStream("FuncActivationDeriv", s, act, deriv); err != nil {
		return err
	}
	a, err := act.ReadData()
	if err != nil {
		return err
	}
	d, err := deriv.WriteData()
	if err != nil {
		return err
	}
	return s.Launch("derivative "+kind.String(), func() error {
		return derivative(kind, a, d)
	})
}

func (e *Engine) FuncRmsprop(grad, ms, out *engine.Matrix, decayRate float32, s *engine.Stream) error {
	if err := sameShape("FuncRmsprop", grad, ms, out); err != nil {
		return err
	}
	if err := e.onStream("FuncRmsprop", s, grad, ms, out); err != nil {
		return err
	}
	g, err := grad.ReadData()
	if err != nil {
		return err
	}
	m, err := ms.UpdateData()
	if err != nil {
		return err
	}
	o, err := out.WriteData()
	if err != nil {
		return err
	}
	return s.Launch("rmsprop", func() error {
		for i, v := range g {
			m[i] = decayRate*m[i] + (1-decayRate)*v*v
			o[i] = v / math32.Sqrt(m[i]+rmspropEpsilon)
		}
		return checkFinite("rmsprop", o)
	})
}

func (e *Engine) FuncAdadelta(grad, msDeriv, msDelta, out *engine.Matrix, rate, decayRate float32, s *engine.Stream) error {
	if err := sameShape("FuncAdadelta", grad, msDeriv, msDelta, out); err != nil {
		return err
	}
	if err := e.onStream("FuncAdadelta", s, grad, msDeriv, msDelta, out); err != nil {
		return err
	}
	g, err := grad.ReadData()
	if err != nil {
		return err
	}
	md, err := msDeriv.UpdateData()
	if err != nil {
		return err
	}
	mx, err := msDelta.UpdateData()
	if err != nil {
		return err
	}
	o, err := out.WriteData()
	if err != nil {
		return err
	}
	return s.Launch("adadelta", func() error {
		for i, v := range g {
			md[i] = decayRate*md[i] + (1-decayRate)*v*v
			delta := rate * math32.Sqrt(mx[i]+adadeltaEpsilon) / math32.Sqrt(md[i]+adadeltaEpsilon) * v
			mx[i] = decayRate*mx[i] + (1-decayRate)*delta*delta
			o[i] = delta
		}
		return checkFinite("adadelta", o)
	})
}
