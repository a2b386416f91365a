package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/scpipeline/internal/compute"
	"github.com/jonathan/scpipeline/internal/schemas"
	"github.com/jonathan/scpipeline/internal/types"
)

// NotFoundError is returned when a pipeline id does not exist.
type NotFoundError struct {
	PipelineID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pipeline not found: %s", e.PipelineID)
}

// ExecutionNotFoundError is returned when a history entry does not exist.
type ExecutionNotFoundError struct {
	PipelineID  uuid.UUID
	Step        types.StepType
	ExecutionID uuid.UUID
}

func (e *ExecutionNotFoundError) Error() string {
	return fmt.Sprintf("execution %s not found in history of step %s", e.ExecutionID, e.Step)
}

// InvalidStepError is returned for a step name outside the step enumeration.
type InvalidStepError struct {
	Step string
}

func (e *InvalidStepError) Error() string {
	return fmt.Sprintf("invalid step type: %q", e.Step)
}

// PreconditionError is returned when the preceding step is not completed.
type PreconditionError struct {
	Step           types.StepType
	Required       types.StepType
	RequiredStatus types.StepStatus
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("step %s requires %s to be completed (current status: %s)", e.Step, e.Required, e.RequiredStatus)
}

// ConflictError is returned when an execution of the same step is already in flight.
type ConflictError struct {
	PipelineID uuid.UUID
	Step       types.StepType
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("step %s of pipeline %s is already running", e.Step, e.PipelineID)
}

// InvalidParamsError is returned when merged parameters violate the step schema.
type InvalidParamsError struct {
	Step types.StepType
	Err  error
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid parameters for step %s: %v", e.Step, e.Err)
}

func (e *InvalidParamsError) Unwrap() error {
	return e.Err
}

// Fields returns the per-field failures, if the cause carries them.
func (e *InvalidParamsError) Fields() []schemas.FieldError {
	var ve *schemas.ValidationError
	if errors.As(e.Err, &ve) {
		return ve.Errors
	}
	return nil
}

// StaleExecutionError is returned when an execution finishes after a newer execution of the
// same step started. Its outcome is discarded.
type StaleExecutionError struct {
	PipelineID uuid.UUID
	Step       types.StepType
	Generation uint64
	Current    uint64
}

func (e *StaleExecutionError) Error() string {
	return fmt.Sprintf("execution of step %s (generation %d) superseded by generation %d", e.Step, e.Generation, e.Current)
}

// AbandonedError is returned when the caller stops waiting for an execution. The execution
// keeps running and its outcome is still recorded.
type AbandonedError struct {
	PipelineID uuid.UUID
	Step       types.StepType
	Err        error
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("stopped waiting for step %s of pipeline %s: %v", e.Step, e.PipelineID, e.Err)
}

func (e *AbandonedError) Unwrap() error {
	return e.Err
}

// StateMutated reports whether the operation that returned err changed persisted state.
// Validation, ordering, and conflict failures leave the pipeline untouched; executor
// failures mark the step as errored, and an abandoned wait leaves it running until the
// outcome is applied.
func StateMutated(err error) bool {
	if err == nil {
		return false
	}
	var abandoned *AbandonedError
	if errors.As(err, &abandoned) {
		return true
	}
	var stale *StaleExecutionError
	if errors.As(err, &stale) {
		return false
	}
	return compute.KindOf(err) != ""
}

// IsNotFound reports whether err means the pipeline or execution does not exist.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	var enf *ExecutionNotFoundError
	return errors.As(err, &nf) || errors.As(err, &enf)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
