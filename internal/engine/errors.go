package engine

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("invalid command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrHandlerExecution = errors.New("handler execution failed")
	ErrTimeout          = errors.New("command timed out")
	ErrBackpressure     = errors.New("command queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// ValidationError is returned by handlers for malformed arguments. Message is
// shown to the user as is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalidf builds a ValidationError. A handler that returns ErrValidation
// itself gets its registered usage line as the response message instead.
func Invalidf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// HandlerError wraps whatever a handler returned or panicked with.
type HandlerError struct {
	Verb  string
	Cause error
	Panic bool
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("handler %s panicked: %v", e.Verb, e.Cause)
	}
	return fmt.Sprintf("handler %s: %v", e.Verb, e.Cause)
}

func (e *HandlerError) Unwrap() []error { return []error{ErrHandlerExecution, e.Cause} }

// Outcome labels a response for logs, metrics and the journal.
func Outcome(success bool, err error) string {
	switch {
	case err == nil && success:
		return "ok"
	case err == nil:
		return "failed"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrDispatcherClosed):
		return "closed"
	default:
		return "handler_error"
	}
}
