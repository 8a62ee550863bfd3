package engine

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an engine error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindResource
	KindDependency
	KindNumeric
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindResource:
		return "ResourceError"
	case KindDependency:
		return "DependencyError"
	case KindNumeric:
		return "NumericFault"
	default:
		return "Unknown"
	}
}

func (k Kind) code() codes.Code {
	switch k {
	case KindConfiguration:
		return codes.InvalidArgument
	case KindResource:
		return codes.ResourceExhausted
	case KindDependency:
		return codes.FailedPrecondition
	case KindNumeric:
		return codes.OutOfRange
	default:
		return codes.Unknown
	}
}

// Error is a classified error. Callers wrap the sentinels below with fmt.Errorf
// and test for them with errors.Is.
type Error struct {
	Kind    Kind
	message string
}

func (e *Error) Error() string {
	return e.message
}

// GRPCStatus lets status.Code and status.FromError see through wrapped engine errors.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.code(), e.message)
}

var (
	ErrZeroDelayCycle    = &Error{Kind: KindConfiguration, message: "zero-delay cycle"}
	ErrShapeMismatch     = &Error{Kind: KindConfiguration, message: "shape mismatch"}
	ErrDimensionMismatch = &Error{Kind: KindConfiguration, message: "dimension mismatch"}
	ErrNotLinked         = &Error{Kind: KindConfiguration, message: "probe not linked"}
	ErrNotFound          = &Error{Kind: KindConfiguration, message: "not found"}
	ErrDuplicate         = &Error{Kind: KindConfiguration, message: "already exists"}
	ErrUnsupported       = &Error{Kind: KindConfiguration, message: "unsupported"}
	ErrLocationMismatch  = &Error{Kind: KindConfiguration, message: "location mismatch"}

	ErrOutOfMemory   = &Error{Kind: KindResource, message: "out of memory"}
	ErrInvalidBuffer = &Error{Kind: KindResource, message: "read of invalid buffer"}
	ErrNotLocked     = &Error{Kind: KindResource, message: "matrix not locked"}
	ErrStaleView     = &Error{Kind: KindResource, message: "view outlived its buffer"}
	ErrStreamClosed  = &Error{Kind: KindResource, message: "stream closed"}

	ErrUnmetDependency = &Error{Kind: KindDependency, message: "unmet dependency"}
	ErrPassOrder       = &Error{Kind: KindDependency, message: "pass invoked out of order"}

	ErrNumericFault = &Error{Kind: KindNumeric, message: "numeric fault"}
)

// KindOf returns the kind of the first engine error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
