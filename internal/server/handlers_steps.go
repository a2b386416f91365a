package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/scpipeline/internal/pipeline"
	"github.com/jonathan/scpipeline/internal/schemas"
	"github.com/jonathan/scpipeline/internal/types"
)

// StepDefinitionResponse is one catalog entry with its derived defaults and JSON Schema.
type StepDefinitionResponse struct {
	schemas.StepDefinition
	Position      int            `json:"position"`
	DefaultParams map[string]any `json:"default_params"`
	JSONSchema    map[string]any `json:"json_schema"`
}

// StepRunResponse is returned after a step execution succeeds.
type StepRunResponse struct {
	PipelineID  string            `json:"pipeline_id"`
	Step        types.StepType    `json:"step"`
	Status      types.StepStatus  `json:"status"`
	Result      *types.StepResult `json:"result"`
	CurrentStep int               `json:"current_step"`
	NextStep    types.StepType    `json:"next_step,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

// StepHistoryResponse lists past executions of a step.
type StepHistoryResponse struct {
	PipelineID string                `json:"pipeline_id"`
	Step       types.StepType        `json:"step"`
	Executions []types.StepExecution `json:"executions"`
	Total      int                   `json:"total"`
}

func (s *Server) definitionResponse(def schemas.StepDefinition) StepDefinitionResponse {
	registry := s.engine.Registry()
	return StepDefinitionResponse{
		StepDefinition: def,
		Position:       def.StepType.Index(),
		DefaultParams:  registry.DefaultParams(def.StepType),
		JSONSchema:     def.ParamSchema.JSONSchema(),
	}
}

// runResponse describes a completed run together with where the pipeline cursor now points.
func (s *Server) runResponse(r *http.Request, id uuid.UUID, step types.StepType, result *types.StepResult, elapsed time.Duration) StepRunResponse {
	resp := StepRunResponse{
		PipelineID: id.String(),
		Step:       step,
		Status:     types.StatusCompleted,
		Result:     result,
		DurationMs: elapsed.Milliseconds(),
	}
	if p, err := s.engine.GetPipeline(r.Context(), id); err == nil {
		resp.CurrentStep = p.CurrentStep
		if p.CurrentStep < len(types.StepOrder) {
			resp.NextStep = types.StepOrder[p.CurrentStep]
		}
	}
	return resp
}

// handleListStepDefinitions returns the step catalog in execution order
func (s *Server) handleListStepDefinitions(w http.ResponseWriter, _ *http.Request) {
	defs := s.engine.Registry().Definitions()
	out := make([]StepDefinitionResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, s.definitionResponse(def))
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"steps": out})
}

// handleGetStepDefinition returns one catalog entry
func (s *Server) handleGetStepDefinition(w http.ResponseWriter, r *http.Request) {
	step := types.StepType(r.PathValue("step_type"))
	if !step.Valid() {
		s.writeError(w, r, &pipeline.InvalidStepError{Step: string(step)})
		return
	}
	s.jsonResponse(w, http.StatusOK, s.definitionResponse(s.engine.Registry().Definition(step)))
}

// handleRunStep executes a step with optional parameter overrides and waits for the outcome
func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	step := types.StepType(r.PathValue("step_type"))

	var req types.StepParamsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	start := time.Now()
	result, err := s.engine.RunStep(r.Context(), id, step, req.Parameters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, s.runResponse(r, id, step, result, time.Since(start)))
}

// handleUpdateStepParams stages parameter overrides without running the step
func (s *Server) handleUpdateStepParams(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	step := types.StepType(r.PathValue("step_type"))

	var req types.StepParamsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.engine.UpdateStepParams(r.Context(), id, step, req.Parameters); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.engine.GetPipeline(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p.Step(step))
}

// handleGetStepHistory lists the successful executions of a step, oldest first
func (s *Server) handleGetStepHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	step := types.StepType(r.PathValue("step_type"))

	history, err := s.engine.GetStepHistory(r.Context(), id, step)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, StepHistoryResponse{
		PipelineID: id.String(),
		Step:       step,
		Executions: history,
		Total:      len(history),
	})
}

// handleReplayExecution runs a step again with the parameters of a past execution
func (s *Server) handleReplayExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	executionID, err := parseID(r, "execution_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	step := types.StepType(r.PathValue("step_type"))

	start := time.Now()
	result, err := s.engine.ReplayExecution(r.Context(), id, step, executionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, s.runResponse(r, id, step, result, time.Since(start)))
}
