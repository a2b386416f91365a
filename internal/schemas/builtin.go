package schemas

import "github.com/jonathan/scpipeline/internal/types"

// DefaultMarkerGenes is the marker list used by the annotation step unless overridden.
const DefaultMarkerGenes = "CD3D,CD4,CD8A,MS4A1,CD14,FCGR3A,NKG7,PPBP"

func builtinDefinitions() []StepDefinition {
	return []StepDefinition{
		{
			StepType:    types.StepDataLoad,
			DisplayName: "Data Load",
			Description: "Load a single-cell RNA-seq count matrix",
			Icon:        "mdi:database-import",
			ParamSchema: ParamSchema{
				Properties: map[string]Property{
					"file_source": {
						Type:        TypeString,
						Title:       "Data source",
						Description: "Where the count matrix comes from",
						Enum:        []any{"example", "upload", "mydata"},
						Default:     "example",
						Group:       "Basic",
					},
					"example_dataset": {
						Type:        TypeString,
						Title:       "Example dataset",
						Description: "Bundled dataset used when the source is 'example'",
						Enum:        []any{"pbmc_3k", "pbmc_10k", "brain_1k"},
						Default:     "pbmc_3k",
						Group:       "Basic",
					},
					"data_path": {
						Type:        TypeString,
						Title:       "Data path",
						Description: "Path of an uploaded or stored dataset",
						Group:       "Basic",
					},
				},
				Order: []string{"file_source", "example_dataset", "data_path"},
			},
		},
		{
			StepType:    types.StepQCFilter,
			DisplayName: "QC Filter",
			Description: "Remove low quality cells and genes",
			Icon:        "mdi:filter-check",
			ParamSchema: ParamSchema{
				Properties: map[string]Property{
					"min_genes": {
						Type:        TypeInteger,
						Title:       "Min genes",
						Description: "Minimum number of genes expressed per cell",
						Default:     200,
						Minimum:     bound(50),
						Maximum:     bound(1000),
						Widget:      "slider",
						Group:       "Cell filter",
					},
					"max_genes": {
						Type:        TypeInteger,
						Title:       "Max genes",
						Description: "Maximum number of genes expressed per cell (doublet filter)",
						Default:     5000,
						Minimum:     bound(1000),
						Maximum:     bound(10000),
						Widget:      "slider",
						Group:       "Cell filter",
					},
					"max_mito_pct": {
						Type:        TypeNumber,
						Title:       "Max mitochondrial %",
						Description: "Upper bound on the mitochondrial read fraction",
						Default:     20,
						Minimum:     bound(1),
						Maximum:     bound(50),
						Widget:      "slider",
						Group:       "Cell filter",
					},
					"min_cells": {
						Type:        TypeInteger,
						Title:       "Min cells",
						Description: "Minimum number of cells a gene must be expressed in",
						Default:     3,
						Minimum:     bound(1),
						Maximum:     bound(50),
						Group:       "Gene filter",
					},
				},
				Order: []string{"min_genes", "max_genes", "max_mito_pct", "min_cells"},
			},
		},
		{
			StepType:    types.StepDimReduce,
			DisplayName: "Dimensionality Reduction",
			Description: "PCA, UMAP embedding and Leiden clustering",
			Icon:        "mdi:chart-scatter-plot",
			ParamSchema: ParamSchema{
				Properties: map[string]Property{
					"n_pcs": {
						Type:        TypeInteger,
						Title:       "Principal components",
						Description: "Number of principal components used by PCA",
						Default:     50,
						Minimum:     bound(10),
						Maximum:     bound(100),
						Widget:      "slider",
						Group:       "PCA",
					},
					"use_highly_variable": {
						Type:        TypeBoolean,
						Title:       "Highly variable genes only",
						Description: "Restrict PCA to highly variable genes",
						Default:     true,
						Group:       "PCA",
					},
					"n_neighbors": {
						Type:        TypeInteger,
						Title:       "Neighbors",
						Description: "Neighborhood size of the kNN graph",
						Default:     15,
						Minimum:     bound(5),
						Maximum:     bound(50),
						Widget:      "slider",
						Group:       "Clustering",
					},
					"resolution": {
						Type:        TypeNumber,
						Title:       "Resolution",
						Description: "Leiden resolution; higher values give more clusters",
						Default:     0.5,
						Minimum:     bound(0.1),
						Maximum:     bound(2),
						Widget:      "slider",
						Group:       "Clustering",
					},
				},
				Order: []string{"n_pcs", "use_highly_variable", "n_neighbors", "resolution"},
			},
		},
		{
			StepType:    types.StepAnnotation,
			DisplayName: "Cell Annotation",
			Description: "Assign cell types from marker gene expression",
			Icon:        "mdi:tag-text",
			ParamSchema: ParamSchema{
				Properties: map[string]Property{
					"annotation_method": {
						Type:        TypeString,
						Title:       "Method",
						Description: "Cell type annotation method",
						Enum:        []any{"marker_genes", "reference", "auto"},
						Default:     "marker_genes",
						Group:       "Annotation",
					},
					"marker_genes": {
						Type:        TypeString,
						Title:       "Marker genes",
						Description: "Comma separated marker gene list",
						Default:     DefaultMarkerGenes,
						Group:       "Annotation",
					},
					"show_gene_scores": {
						Type:        TypeBoolean,
						Title:       "Show gene scores",
						Description: "Include per-gene score heatmaps in the result",
						Default:     true,
						Group:       "Output",
					},
				},
				Order: []string{"annotation_method", "marker_genes", "show_gene_scores"},
			},
		},
	}
}
