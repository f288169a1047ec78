package tiler

import (
	"errors"
	"fmt"
)

// InternalError reports a violated optimizer invariant. It is raised with
// panic and is never used for recoverable per-plan or per-bundle failures.
type InternalError struct {
	Bundle int // -1 when the failure is not tied to a bundle
	Msg    string
}

func (e *InternalError) Error() string {
	if e.Bundle < 0 {
		return "internal compiler error: " + e.Msg
	}
	return fmt.Sprintf("internal compiler error in bundle %d: %s", e.Bundle, e.Msg)
}

func fatalf(format string, args ...any) {
	panic(&InternalError{Bundle: -1, Msg: fmt.Sprintf(format, args...)})
}

// IsInternalError reports whether err is (or wraps) an *InternalError.
func IsInternalError(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

// recoverInternal converts an *InternalError panic into *errp, tagging it with
// the bundle being processed. Any other panic value propagates.
func recoverInternal(bundle int, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	ie, ok := r.(*InternalError)
	if !ok {
		panic(r)
	}
	if ie.Bundle < 0 {
		ie.Bundle = bundle
	}
	*errp = ie
}
