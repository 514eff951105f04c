package blockdev

import (
	"errors"
	"fmt"
	"syscall"
)

// InjectedError marks an error as intentionally injected by [Chaos].
//
// It wraps the underlying errno so errors.Is(err, syscall.EIO) keeps working
// for code that classifies device errors.
type InjectedError struct {
	Op     Op
	Offset int64
	Err    error
}

func (e *InjectedError) Error() string {
	return fmt.Sprintf("injected %s at %d: %v", e.Op, e.Offset, e.Err)
}

func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected by
// [Chaos]. Returns false if err is nil.
func IsInjected(err error) bool {
	if err == nil {
		return false
	}

	var injected *InjectedError

	return errors.As(err, &injected)
}

func inject(op Op, off int64, errno syscall.Errno) error {
	return &InjectedError{Op: op, Offset: off, Err: errno}
}
