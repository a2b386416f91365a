// Package compute provides the Step Executor: the boundary between the pipeline engine and
// the external compute backend that performs the single-cell analysis.
package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonathan/scpipeline/internal/types"
)

// Executor invokes the compute backend for one step with fully resolved parameters.
// Implementations do not validate parameters against the step schema.
type Executor interface {
	Execute(ctx context.Context, step types.StepType, params map[string]any) (*types.StepResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, step types.StepType, params map[string]any) (*types.StepResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, step types.StepType, params map[string]any) (*types.StepResult, error) {
	return f(ctx, step, params)
}

// Kind classifies executor failures so callers can pick a retry policy.
type Kind string

// Kind constants
const (
	// KindTransport means the backend could not be reached or did not answer in time.
	KindTransport Kind = "transport"
	// KindCompute means the backend ran the step and reported a processing error.
	KindCompute Kind = "compute"
	// KindInvalidInput means the backend rejected the parameters.
	KindInvalidInput Kind = "invalid_input"
)

// Error is a failure returned by an Executor.
type Error struct {
	Kind    Kind
	Step    types.StepType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failure in step %s: %s: %v", e.Kind, e.Step, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failure in step %s: %s", e.Kind, e.Step, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// TransportError builds a KindTransport error.
func TransportError(step types.StepType, message string, cause error) *Error {
	return &Error{Kind: KindTransport, Step: step, Message: message, Cause: cause}
}

// ComputeError builds a KindCompute error.
func ComputeError(step types.StepType, message string, cause error) *Error {
	return &Error{Kind: KindCompute, Step: step, Message: message, Cause: cause}
}

// InvalidInputError builds a KindInvalidInput error.
func InvalidInputError(step types.StepType, message string) *Error {
	return &Error{Kind: KindInvalidInput, Step: step, Message: message}
}

// KindOf returns the kind of an executor failure found in err's chain, or "" if err
// carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsCompute reports whether err is a compute failure.
func IsCompute(err error) bool { return KindOf(err) == KindCompute }

// IsInvalidInput reports whether err is an invalid input failure.
func IsInvalidInput(err error) bool { return KindOf(err) == KindInvalidInput }
