package compute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/scpipeline/internal/types"
)

const defaultMarkers = "CD3D,CD4,CD8A,MS4A1,CD14,FCGR3A,NKG7,PPBP"

func TestSimulated_DataLoad(t *testing.T) {
	sim := NewSimulated()

	tests := []struct {
		name      string
		params    map[string]any
		wantCells int
		wantGenes int
	}{
		{name: "pbmc 3k", params: map[string]any{"file_source": "example", "example_dataset": "pbmc_3k"}, wantCells: 2700, wantGenes: 32738},
		{name: "pbmc 10k", params: map[string]any{"file_source": "example", "example_dataset": "pbmc_10k"}, wantCells: 11769, wantGenes: 33538},
		{name: "defaults", params: nil, wantCells: 2700, wantGenes: 32738},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := sim.Execute(context.Background(), types.StepDataLoad, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCells, result.Stats["n_cells"])
			assert.Equal(t, tt.wantGenes, result.Stats["n_genes"])
			assert.NotEmpty(t, result.Message)
		})
	}
}

func TestSimulated_DataLoadUpload(t *testing.T) {
	sim := NewSimulated()

	_, err := sim.Execute(context.Background(), types.StepDataLoad, map[string]any{"file_source": "upload"})
	assert.True(t, IsInvalidInput(err))

	params := map[string]any{"file_source": "upload", "data_path": "/data/sample.h5ad"}
	first, err := sim.Execute(context.Background(), types.StepDataLoad, params)
	require.NoError(t, err)
	second, err := sim.Execute(context.Background(), types.StepDataLoad, params)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "/data/sample.h5ad", first.Stats["dataset"])
}

func TestSimulated_QCFilter(t *testing.T) {
	sim := NewSimulated()

	result, err := sim.Execute(context.Background(), types.StepQCFilter, map[string]any{
		"min_genes": 200, "max_genes": 5000, "max_mito_pct": 20, "min_cells": 3,
	})
	require.NoError(t, err)

	before := result.Stats["n_cells_before"].(int)
	after := result.Stats["n_cells_after"].(int)
	assert.Equal(t, 2700, before)
	assert.Less(t, after, before)
	assert.Equal(t, before-after, result.Stats["cells_removed"])
	assert.Contains(t, result.Charts, "qc_violin")

	_, err = sim.Execute(context.Background(), types.StepQCFilter, map[string]any{"min_genes": 1000, "max_genes": 1000})
	assert.True(t, IsInvalidInput(err))
}

func TestSimulated_DimReduceClusterCount(t *testing.T) {
	sim := NewSimulated()

	tests := []struct {
		resolution any
		want       int
	}{
		{resolution: 0.1, want: 3},
		{resolution: 0.5, want: 5},
		{resolution: 1.2, want: 12},
		{resolution: 2, want: 15},
	}

	for _, tt := range tests {
		result, err := sim.Execute(context.Background(), types.StepDimReduce, map[string]any{"n_pcs": 30, "resolution": tt.resolution})
		require.NoError(t, err)
		assert.Equal(t, tt.want, result.Stats["n_clusters"], "resolution %v", tt.resolution)
		assert.Len(t, result.Tables["cluster_stats"].Data, tt.want)
		assert.Contains(t, result.Charts, "umap")
		assert.Equal(t, 30, result.Stats["n_pcs_used"])
	}
}

func TestSimulated_Annotation(t *testing.T) {
	sim := NewSimulated()

	tests := []struct {
		name    string
		params  map[string]any
		want    int
		wantErr bool
	}{
		{name: "default markers", params: map[string]any{"marker_genes": defaultMarkers}, want: 8},
		{name: "lowercase subset", params: map[string]any{"marker_genes": "ms4a1, cd14 ,nkg7"}, want: 4},
		{name: "partial category", params: map[string]any{"marker_genes": "CD3D"}, wantErr: true},
		{name: "reference ignores markers", params: map[string]any{"annotation_method": "reference", "marker_genes": ""}, want: 8},
		{name: "unknown genes", params: map[string]any{"marker_genes": "FOO,BAR"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := sim.Execute(context.Background(), types.StepAnnotation, tt.params)
			if tt.wantErr {
				assert.True(t, IsInvalidInput(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Stats["n_cell_types"])
			assert.Len(t, result.Tables["cell_types"].Data, tt.want)

			rows := result.Tables["cell_types"].Data
			assert.Equal(t, "Other", rows[len(rows)-1]["Cell type"])
		})
	}
}

func TestSimulated_AnnotationCellsConserved(t *testing.T) {
	sim := NewSimulated()

	full, err := sim.Execute(context.Background(), types.StepAnnotation, map[string]any{"marker_genes": defaultMarkers})
	require.NoError(t, err)
	partial, err := sim.Execute(context.Background(), types.StepAnnotation, map[string]any{"marker_genes": "MS4A1"})
	require.NoError(t, err)

	sum := func(r *types.StepResult) int {
		total := 0
		for _, row := range r.Tables["cell_types"].Data {
			total += row["Cells"].(int)
		}
		return total
	}
	assert.Equal(t, sum(full), sum(partial))
}

func TestSimulated_GeneScores(t *testing.T) {
	sim := NewSimulated()

	with, err := sim.Execute(context.Background(), types.StepAnnotation, map[string]any{"marker_genes": defaultMarkers, "show_gene_scores": true})
	require.NoError(t, err)
	assert.Contains(t, with.Charts, "gene_scores")

	without, err := sim.Execute(context.Background(), types.StepAnnotation, map[string]any{"marker_genes": defaultMarkers, "show_gene_scores": false})
	require.NoError(t, err)
	assert.NotContains(t, without.Charts, "gene_scores")
}

func TestSimulated_Latency(t *testing.T) {
	sim := NewSimulated(WithLatency(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sim.Execute(ctx, types.StepDataLoad, nil)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulated_FailureInjection(t *testing.T) {
	boom := ComputeError(types.StepDimReduce, "out of memory", nil)
	sim := NewSimulated(WithFailure(func(step types.StepType, _ map[string]any) error {
		if step == types.StepDimReduce {
			return boom
		}
		return nil
	}))

	_, err := sim.Execute(context.Background(), types.StepDimReduce, nil)
	assert.True(t, errors.Is(err, boom))

	_, err = sim.Execute(context.Background(), types.StepDataLoad, nil)
	assert.NoError(t, err)
}

func TestSimulated_UnknownStep(t *testing.T) {
	_, err := NewSimulated().Execute(context.Background(), types.StepType("normalize"), nil)
	assert.True(t, IsInvalidInput(err))
}
