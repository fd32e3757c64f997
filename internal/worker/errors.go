package worker

import (
	"errors"
	"fmt"
)

// HandlerError marks a failure produced by task logic rather than by the
// transport or the store. Handler errors are counted against the task's
// attempt budget and governed by the retry coordinator's policy.
type HandlerError struct {
	Handler string
	Err     error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q: %v", e.Handler, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerError reports whether err originated in task logic.
func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}
