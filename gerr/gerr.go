// Package gerr defines the four failure classes of spec.md §7 and the
// propagation policy that goes with them: BadArg/NotReady are returned to
// the caller as ordinary errors; Resource is fatal and terminates the
// process after logging; BarrierMismatch is returned from barrier_wait.
package gerr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Class int

const (
	BadArg Class = iota
	NotReady
	Resource
	BarrierMismatch
)

func (c Class) String() string {
	switch c {
	case BadArg:
		return "BAD_ARG"
	case NotReady:
		return "NOT_READY"
	case Resource:
		return "RESOURCE"
	case BarrierMismatch:
		return "BARRIER_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned across the Core/Extended API
// boundary. Resource-class errors carry a pkg/errors stack trace captured
// at construction time, so the launcher (cmd/gasnetrun) can log a useful
// trace before exiting — ordinary BAD_ARG/NOT_READY returns do not pay that
// cost, since they are routine, expected control flow.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

func New(class Class, op string, err error) *Error {
	if class == Resource && err != nil {
		err = errors.WithStack(err)
	}
	return &Error{Class: class, Op: op, Err: err}
}

func BadArgf(op, format string, args ...any) *Error {
	return New(BadArg, op, fmt.Errorf(format, args...))
}

func NotReadyErr(op string, msg ...string) *Error {
	if len(msg) > 0 {
		return New(NotReady, op, fmt.Errorf("%s", msg[0]))
	}
	return New(NotReady, op, nil)
}

func Fatal(op string, err error) *Error { return New(Resource, op, err) }

// Is reports whether err (possibly wrapped) has the given class.
func Is(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}
