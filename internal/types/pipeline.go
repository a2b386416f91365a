// Package types provides type definitions for the pipeline state shared across the engine,
// the repository, and the transport layers.
package types

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrPipelineNotFound is returned by stores when a write targets a pipeline that does not exist.
var ErrPipelineNotFound = errors.New("pipeline not found")

// StepType identifies one stage of the analysis sequence.
type StepType string

// StepType constants, listed in execution order.
const (
	StepDataLoad   StepType = "data_load"
	StepQCFilter   StepType = "qc_filter"
	StepDimReduce  StepType = "dim_reduce"
	StepAnnotation StepType = "annotation"
)

// StepOrder is the only valid execution sequence. Position in this slice is the step index.
var StepOrder = []StepType{
	StepDataLoad,
	StepQCFilter,
	StepDimReduce,
	StepAnnotation,
}

// Index returns the position of the step in StepOrder, or -1 if the step is unknown.
func (s StepType) Index() int {
	for i, st := range StepOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is part of StepOrder.
func (s StepType) Valid() bool {
	return s.Index() >= 0
}

// Previous returns the step that must be completed before s can run.
// ok is false for the first step and for unknown steps.
func (s StepType) Previous() (StepType, bool) {
	idx := s.Index()
	if idx <= 0 {
		return "", false
	}
	return StepOrder[idx-1], true
}

func (s StepType) String() string {
	return string(s)
}

// ParseStepType converts a name into a StepType.
func ParseStepType(name string) (StepType, error) {
	st := StepType(name)
	if !st.Valid() {
		return "", fmt.Errorf("unknown step type: %q", name)
	}
	return st, nil
}

// StepStatus is the execution state of a single step.
type StepStatus string

// StepStatus constants
const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusError     StepStatus = "error"
)

// Table is a tabular summary inside a step result.
type Table struct {
	Columns []string         `json:"columns"`
	Data    []map[string]any `json:"data"`
}

// StepResult is the structured artifact produced by the compute backend for one step.
// Contents are opaque to the engine; they are only grouped by category.
type StepResult struct {
	Stats   map[string]any    `json:"stats,omitempty"`
	Charts  map[string]any    `json:"charts,omitempty"`
	Images  map[string]string `json:"images,omitempty"`
	Tables  map[string]Table  `json:"tables,omitempty"`
	Message string            `json:"message,omitempty"`
}

// StepExecution is an immutable record of one successful run of a step.
type StepExecution struct {
	ID         uuid.UUID      `json:"id"`
	Params     map[string]any `json:"params"`
	Result     *StepResult    `json:"result"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// StepState holds the current status, parameters, result and history of one step.
type StepState struct {
	StepType StepType        `json:"step_type"`
	Status   StepStatus      `json:"status"`
	Params   map[string]any  `json:"params"`
	Result   *StepResult     `json:"result,omitempty"`
	History  []StepExecution `json:"history"`
	// Error is the message of the last failed execution; cleared on success.
	Error string `json:"error,omitempty"`
	// Generation increases every time an execution of this step starts.
	Generation uint64 `json:"generation"`
}

// Metadata is the free-text information attached to a pipeline.
type Metadata struct {
	DataPath    string `json:"data_path,omitempty"`
	Species     string `json:"species,omitempty"`
	Description string `json:"description,omitempty"`
}

// PipelineState is one analysis session.
type PipelineState struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Metadata    Metadata    `json:"metadata"`
	CurrentStep int         `json:"current_step"`
	Steps       []StepState `json:"steps"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Step returns a pointer to the state of the given step, or nil if the step is unknown
// or the pipeline is malformed.
func (p *PipelineState) Step(st StepType) *StepState {
	idx := st.Index()
	if idx < 0 || idx >= len(p.Steps) {
		return nil
	}
	return &p.Steps[idx]
}

// HasAllSteps reports whether the pipeline holds exactly one state per step, in order.
// A state read while the pipeline was being deleted can lack its steps.
func (p *PipelineState) HasAllSteps() bool {
	if len(p.Steps) != len(StepOrder) {
		return false
	}
	for i, st := range StepOrder {
		if p.Steps[i].StepType != st {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Result payloads are shared since they are never mutated
// after the compute backend returns them.
func (p *PipelineState) Clone() *PipelineState {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]StepState, len(p.Steps))
	for i, s := range p.Steps {
		s.Params = CloneParams(s.Params)
		if s.History != nil {
			history := make([]StepExecution, len(s.History))
			for j, e := range s.History {
				e.Params = CloneParams(e.Params)
				history[j] = e
			}
			s.History = history
		}
		cp.Steps[i] = s
	}
	return &cp
}

// CloneParams returns a shallow copy of a parameter map. Nil stays nil.
func CloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	return maps.Clone(params)
}
