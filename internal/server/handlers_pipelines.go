package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/jonathan/scpipeline/internal/schemas"
	"github.com/jonathan/scpipeline/internal/types"
)

// maxBodyBytes caps request bodies; parameter maps are small.
const maxBodyBytes = 1 << 20

// parseQueryInt parses an integer query parameter with a default value and optional max
func parseQueryInt(r *http.Request, key string, defaultValue, maxValue int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < 0 {
		return defaultValue
	}
	if maxValue > 0 && val > maxValue {
		return maxValue
	}
	return val
}

// parseID reads a UUID path value.
func parseID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &ErrInvalidID{Name: name, Value: raw}
	}
	return id, nil
}

// decodeBody decodes an optional JSON body into dst. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &ErrValidation{Fields: []schemas.FieldError{{Field: "(body)", Message: "invalid JSON: " + err.Error()}}}
	}
	return nil
}

// handleCreatePipeline creates a pipeline with every step pending
func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req types.CreatePipelineRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, validationError(err))
		return
	}

	p, err := s.engine.CreatePipeline(r.Context(), req.Name, req.Metadata())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/pipelines/"+p.ID.String())
	s.jsonResponse(w, http.StatusCreated, p)
}

// handleListPipelines lists pipelines, most recently updated first
func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	limit := parseQueryInt(r, "limit", 50, 200)
	offset := parseQueryInt(r, "offset", 0, 0)

	pipelines, err := s.engine.ListPipelines(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	total := len(pipelines)
	start := min(offset, total)
	end := min(start+limit, total)

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"pipelines": pipelines[start:end],
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

// handleGetPipeline returns the full state of a pipeline
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.engine.GetPipeline(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

// handleUpdatePipeline replaces the name and metadata of a pipeline
func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req types.UpdatePipelineRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, validationError(err))
		return
	}

	if err := s.engine.UpdatePipelineMetadata(r.Context(), id, req.Name, req.Metadata()); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.engine.GetPipeline(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

// handleDeletePipeline removes a pipeline and its history
func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.engine.DeletePipeline(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
