package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/jonathan/scpipeline/internal/types"
)

// Store persists pipeline states. Implementations must be safe for concurrent use and must
// not retain or share the states passed in or returned.
type Store interface {
	// CreatePipeline inserts a new pipeline.
	CreatePipeline(ctx context.Context, p *types.PipelineState) error
	// GetPipeline returns nil, nil when the pipeline does not exist. A returned state holds
	// every step in order.
	GetPipeline(ctx context.Context, id uuid.UUID) (*types.PipelineState, error)
	// ListPipelines returns all pipelines, most recently updated first.
	ListPipelines(ctx context.Context) ([]*types.PipelineState, error)
	// SavePipeline replaces a stored pipeline. Returns types.ErrPipelineNotFound when absent.
	SavePipeline(ctx context.Context, p *types.PipelineState) error
	// DeletePipeline removes a pipeline and its history. Returns types.ErrPipelineNotFound when absent.
	DeletePipeline(ctx context.Context, id uuid.UUID) error
}
