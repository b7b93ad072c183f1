package dag

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against an *Error to test its kind.
var (
	ErrCycle             = errors.New("cycle")
	ErrMissingDependency = errors.New("missing dependency")
	ErrDuplicateOutput   = errors.New("duplicate output")
	ErrUnknownNode       = errors.New("unknown node")
	ErrInvalid           = errors.New("invalid execution")
)

// Error is a structural problem with a DAG. Node names the offending file,
// execution or group.
type Error struct {
	Kind error
	Node string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Node, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, node, format string, args ...any) *Error {
	return &Error{Kind: kind, Node: node, Msg: fmt.Sprintf(format, args...)}
}
