package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInputBinding = errors.New("input binding failed")
	ErrExecution    = errors.New("execution failed")
)

// InputBindingError means the input could not be bound to the model. Nothing was captured.
type InputBindingError struct {
	Input string
	Msg   string
}

func (e *InputBindingError) Error() string {
	if e == nil {
		return ""
	}
	if e.Input == "" {
		return fmt.Sprintf("%s: %s", ErrInputBinding.Error(), e.Msg)
	}
	return fmt.Sprintf("%s: input %q: %s", ErrInputBinding.Error(), e.Input, e.Msg)
}

func (e *InputBindingError) Unwrap() error { return ErrInputBinding }

func InputBindingErrorf(input string, format string, args ...any) error {
	return &InputBindingError{Input: input, Msg: fmt.Sprintf(format, args...)}
}

// ExecutionError means the runtime failed part way through a forward pass.
type ExecutionError struct {
	// Operation names the failing operation, when known.
	Operation string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Operation == "" {
		return fmt.Sprintf("%s: %v", ErrExecution.Error(), e.Err)
	}
	return fmt.Sprintf("%s in %q: %v", ErrExecution.Error(), e.Operation, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecution, e.Err}
}

// AsExecutionError wraps err as an ExecutionError unless it already is a binding or execution failure.
func AsExecutionError(operation string, err error) error {
	if err == nil || errors.Is(err, ErrInputBinding) || errors.Is(err, ErrExecution) {
		return err
	}
	return &ExecutionError{Operation: operation, Err: err}
}
