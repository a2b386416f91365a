package db

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jonathan/scpipeline/internal/types"
)

// MemoryStore is a concurrency-safe in-memory pipeline store. States are copied on the
// way in and on the way out, so callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[uuid.UUID]*types.PipelineState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pipelines: make(map[uuid.UUID]*types.PipelineState)}
}

// CreatePipeline stores a new pipeline. It returns ErrAlreadyExists if the id is taken.
func (s *MemoryStore) CreatePipeline(_ context.Context, p *types.PipelineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[p.ID]; exists {
		return ErrAlreadyExists
	}
	s.pipelines[p.ID] = p.Clone()
	return nil
}

// GetPipeline returns a copy of the pipeline, or nil, nil if it does not exist.
func (s *MemoryStore) GetPipeline(_ context.Context, id uuid.UUID) (*types.PipelineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// ListPipelines returns copies of all pipelines, most recently updated first.
func (s *MemoryStore) ListPipelines(_ context.Context) ([]*types.PipelineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.PipelineState, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// SavePipeline replaces a stored pipeline. It returns ErrNotFound if the id is unknown.
func (s *MemoryStore) SavePipeline(_ context.Context, p *types.PipelineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[p.ID]; !ok {
		return ErrNotFound
	}
	s.pipelines[p.ID] = p.Clone()
	return nil
}

// DeletePipeline removes a pipeline. It returns ErrNotFound if the id is unknown.
func (s *MemoryStore) DeletePipeline(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[id]; !ok {
		return ErrNotFound
	}
	delete(s.pipelines, id)
	return nil
}
