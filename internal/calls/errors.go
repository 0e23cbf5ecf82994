package calls

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

var (
	// ErrRetriesExhausted marks a transient failure that ran out of retries.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrCallTimedOut is the failure recorded when no response arrived
	// within the listen timeout.
	ErrCallTimedOut = errors.New("operation timed out")
)

// CallError is the permanent failure of a request. It terminates the fiber.
type CallError struct {
	Params     RequestParams
	StatusCode int
	Err        error
	Exhausted  bool
}

func (e *CallError) Error() string {
	msg := e.Params.FailureMessage(e.Err)
	if e.Exhausted {
		return fmt.Sprintf("%s (status %d, %s)", msg, e.StatusCode, ErrRetriesExhausted)
	}
	return fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
}

func (e *CallError) Unwrap() []error {
	errs := []error{e.Err}
	if e.Exhausted {
		errs = append(errs, ErrRetriesExhausted)
	}
	return errs
}

// isProtocolError reports failures after which a connection cannot be
// trusted and the client is discarded instead of recycled.
func isProtocolError(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
