package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("blob not found")
	ErrWrite         = errors.New("blob write failed")
	ErrQuotaExceeded = errors.New("store quota exceeded")
)

// Error reports a failed store operation on one key.
type Error struct {
	Op  string
	Key Key
	Err error
}

func (e *Error) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key.Short(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func writeError(op string, key Key, cause error) error {
	return &Error{Op: op, Key: key, Err: fmt.Errorf("%w: %w", ErrWrite, cause)}
}
