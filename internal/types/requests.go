package types

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// CreatePipelineRequest represents the request to create a new pipeline.
type CreatePipelineRequest struct {
	Name        string `json:"name" validate:"max=200"`
	DataPath    string `json:"data_path,omitempty" validate:"max=1024"`
	Species     string `json:"species,omitempty" validate:"max=100"`
	Description string `json:"description,omitempty" validate:"max=4000"`
}

// UpdatePipelineRequest represents a metadata edit. Name is required.
type UpdatePipelineRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=200"`
	DataPath    string `json:"data_path,omitempty" validate:"max=1024"`
	Species     string `json:"species,omitempty" validate:"max=100"`
	Description string `json:"description,omitempty" validate:"max=4000"`
}

// StepParamsRequest carries parameter overrides for running or staging a step.
type StepParamsRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Metadata returns the metadata portion of the request.
func (r *CreatePipelineRequest) Metadata() Metadata {
	return Metadata{DataPath: r.DataPath, Species: r.Species, Description: r.Description}
}

// Metadata returns the metadata portion of the request.
func (r *UpdatePipelineRequest) Metadata() Metadata {
	return Metadata{DataPath: r.DataPath, Species: r.Species, Description: r.Description}
}

// Validate validates the CreatePipelineRequest using the validator.
func (r *CreatePipelineRequest) Validate() error {
	return validate.Struct(r)
}

// Validate validates the UpdatePipelineRequest using the validator.
func (r *UpdatePipelineRequest) Validate() error {
	return validate.Struct(r)
}
