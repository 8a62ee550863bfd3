package engine

import (
	"fmt"
	"strings"
)

// ActKind is the activation function applied to a layer's state.
type ActKind int

const (
	ActBias ActKind = iota
	ActLinear
	ActSigmoid
	ActTanh
	ActSoftplus
	ActRectLinear
	ActOneMinusLinear
	ActInverse
	ActSoftmax
)

var actNames = map[ActKind]string{
	ActBias:           "bias",
	ActLinear:         "linear",
	ActSigmoid:        "sigmoid",
	ActTanh:           "tanh",
	ActSoftplus:       "softplus",
	ActRectLinear:     "rectlinear",
	ActOneMinusLinear: "oneminuslinear",
	ActInverse:        "inverse",
	ActSoftmax:        "softmax",
}

func (k ActKind) String() string {
	if name, ok := actNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ActKind(%d)", int(k))
}

// HasDerivative reports whether the activation's derivative can be computed
// from its output alone.
func (k ActKind) HasDerivative() bool {
	return k != ActSoftmax && k != ActBias
}

// ParseActKind accepts the names printed by ActKind.String, case-insensitively.
func ParseActKind(s string) (ActKind, error) {
	for kind, name := range actNames {
		if strings.EqualFold(name, s) {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("activation %q: %w", s, ErrUnsupported)
}
