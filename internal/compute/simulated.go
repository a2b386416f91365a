package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jonathan/scpipeline/internal/types"
)

// Compile-time interface check.
var _ Executor = (*Simulated)(nil)

// Dataset describes a bundled example dataset.
type Dataset struct {
	Name   string
	Cells  int
	Genes  int
	Format string
}

// ExampleDatasets is the catalog served by the simulated backend for file_source=example.
var ExampleDatasets = map[string]Dataset{
	"pbmc_3k":  {Name: "PBMC 3K (10x Genomics)", Cells: 2700, Genes: 32738, Format: "h5ad"},
	"pbmc_10k": {Name: "PBMC 10K (10x Genomics)", Cells: 11769, Genes: 33538, Format: "h5ad"},
	"brain_1k": {Name: "Mouse Brain 1K (10x Genomics)", Cells: 1301, Genes: 31053, Format: "h5ad"},
}

// CellType is a marker-defined cell population known to the simulated annotator.
type CellType struct {
	Name    string
	Markers []string
	Cells   int
	Color   string
}

// CellTypeCatalog lists the marker categories recognized by the simulated annotator.
// The last entry is the catch-all that absorbs cells of unrecognized categories.
var CellTypeCatalog = []CellType{
	{Name: "CD4+ T cells", Markers: []string{"CD3D", "CD4"}, Cells: 450, Color: "#1f77b4"},
	{Name: "CD8+ T cells", Markers: []string{"CD3D", "CD8A"}, Cells: 320, Color: "#ff7f0e"},
	{Name: "B cells", Markers: []string{"MS4A1"}, Cells: 280, Color: "#2ca02c"},
	{Name: "CD14+ Monocytes", Markers: []string{"CD14"}, Cells: 380, Color: "#d62728"},
	{Name: "CD16+ Monocytes", Markers: []string{"FCGR3A"}, Cells: 150, Color: "#9467bd"},
	{Name: "NK cells", Markers: []string{"NKG7"}, Cells: 210, Color: "#8c564b"},
	{Name: "Megakaryocytes", Markers: []string{"PPBP"}, Cells: 50, Color: "#e377c2"},
	{Name: "Other", Cells: 160, Color: "#7f7f7f"},
}

var clusterColors = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
	"#aec7e8", "#ffbb78", "#98df8a", "#ff9896", "#c5b0d5",
}

const (
	// baseline counts used by downstream steps; the backend is stateless between calls
	baselineCells = 2700
	baselineGenes = 32738
	// umapSamplePoints caps the number of points per series kept in chart payloads
	umapSamplePoints = 60
)

// Simulated is an in-process compute backend. Results are deterministic for a given step
// and parameter map.
type Simulated struct {
	latency time.Duration
	fail    func(step types.StepType, params map[string]any) error
}

// SimulatedOption configures a Simulated backend.
type SimulatedOption func(*Simulated)

// WithLatency delays every call, honoring context cancellation.
func WithLatency(d time.Duration) SimulatedOption {
	return func(s *Simulated) {
		s.latency = d
	}
}

// WithFailure installs a hook that can force a failure before any result is produced.
func WithFailure(fn func(step types.StepType, params map[string]any) error) SimulatedOption {
	return func(s *Simulated) {
		s.fail = fn
	}
}

// NewSimulated creates a simulated backend.
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute produces a result for the step.
func (s *Simulated) Execute(ctx context.Context, step types.StepType, params map[string]any) (*types.StepResult, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, TransportError(step, "backend call interrupted", ctx.Err())
		case <-timer.C:
		}
	}
	if s.fail != nil {
		if err := s.fail(step, params); err != nil {
			return nil, err
		}
	}

	rng := seededRand(step, params)
	switch step {
	case types.StepDataLoad:
		return simulateDataLoad(params, rng)
	case types.StepQCFilter:
		return simulateQCFilter(params, rng)
	case types.StepDimReduce:
		return simulateDimReduce(params, rng)
	case types.StepAnnotation:
		return simulateAnnotation(params, rng)
	default:
		return nil, InvalidInputError(step, "unknown step type")
	}
}

func simulateDataLoad(params map[string]any, rng *rand.Rand) (*types.StepResult, error) {
	source := stringParam(params, "file_source", "example")

	var ds Dataset
	if source == "example" {
		name := stringParam(params, "example_dataset", "pbmc_3k")
		var ok bool
		ds, ok = ExampleDatasets[name]
		if !ok {
			return nil, InvalidInputError(types.StepDataLoad, fmt.Sprintf("unknown example dataset %q", name))
		}
	} else {
		path := stringParam(params, "data_path", "")
		if path == "" {
			return nil, InvalidInputError(types.StepDataLoad, fmt.Sprintf("data_path is required for file_source %q", source))
		}
		ds = Dataset{
			Name:   path,
			Cells:  1000 + rng.IntN(9000),
			Genes:  20000 + rng.IntN(15000),
			Format: "h5ad",
		}
	}

	return &types.StepResult{
		Stats: map[string]any{
			"n_cells": ds.Cells,
			"n_genes": ds.Genes,
			"dataset": ds.Name,
			"format":  ds.Format,
		},
		Message: fmt.Sprintf("Data loaded: %d cells and %d genes detected.", ds.Cells, ds.Genes),
	}, nil
}

func simulateQCFilter(params map[string]any, rng *rand.Rand) (*types.StepResult, error) {
	minGenes := numberParam(params, "min_genes", 200)
	maxGenes := numberParam(params, "max_genes", 5000)
	maxMito := numberParam(params, "max_mito_pct", 20)
	minCells := numberParam(params, "min_cells", 3)

	if minGenes >= maxGenes {
		return nil, InvalidInputError(types.StepQCFilter,
			fmt.Sprintf("min_genes (%g) must be lower than max_genes (%g)", minGenes, maxGenes))
	}

	cellFrac := clamp(0.95-(minGenes-200)/4000-(20-maxMito)/200+(rng.Float64()-0.5)*0.04, 0.5, 0.99)
	geneFrac := clamp(0.65-(minCells-3)/100+(rng.Float64()-0.5)*0.04, 0.3, 0.9)
	cellsAfter := int(baselineCells * cellFrac)
	genesAfter := int(baselineGenes * geneFrac)

	return &types.StepResult{
		Stats: map[string]any{
			"n_cells_before": baselineCells,
			"n_cells_after":  cellsAfter,
			"n_genes_before": baselineGenes,
			"n_genes_after":  genesAfter,
			"cells_removed":  baselineCells - cellsAfter,
			"genes_removed":  baselineGenes - genesAfter,
		},
		Charts: map[string]any{
			"qc_violin": map[string]any{
				"title":   map[string]any{"text": "QC metrics", "left": "center"},
				"tooltip": map[string]any{"trigger": "item"},
				"legend":  map[string]any{"bottom": 0},
				"xAxis":   map[string]any{"type": "category", "data": []string{"n_genes", "n_counts", "pct_mito"}},
				"yAxis":   map[string]any{"type": "value"},
				"series": []any{
					map[string]any{
						"name": "Before filter",
						"type": "boxplot",
						"data": [][]float64{
							{100, 200, 500, 2000, 5000},
							{500, 2000, 5000, 15000, 40000},
							{0, 2, 5, 15, 40},
						},
					},
					map[string]any{
						"name": "After filter",
						"type": "boxplot",
						"data": [][]float64{
							{minGenes, 400, 800, 1800, math.Min(4500, maxGenes)},
							{1000, 3000, 6000, 12000, 35000},
							{0, 1, 3, 10, maxMito},
						},
					},
				},
			},
		},
		Message: fmt.Sprintf("Filtering done: kept %d cells and %d genes.", cellsAfter, genesAfter),
	}, nil
}

func simulateDimReduce(params map[string]any, rng *rand.Rand) (*types.StepResult, error) {
	nPCs := int(numberParam(params, "n_pcs", 50))
	resolution := numberParam(params, "resolution", 0.5)
	nClusters := int(clamp(math.Round(resolution*10), 3, 15))

	counts := make([]int, nClusters)
	total := 0
	series := make([]any, 0, nClusters)
	legend := make([]string, 0, nClusters)
	for c := 0; c < nClusters; c++ {
		centerX := (rng.Float64() - 0.5) * 20
		centerY := (rng.Float64() - 0.5) * 20
		counts[c] = 100 + rng.IntN(200)
		total += counts[c]

		points := make([][]float64, 0, umapSamplePoints)
		for i := 0; i < umapSamplePoints; i++ {
			points = append(points, []float64{
				centerX + (rng.Float64()-0.5)*5,
				centerY + (rng.Float64()-0.5)*5,
				float64(c),
			})
		}
		name := fmt.Sprintf("Cluster %d", c)
		legend = append(legend, name)
		series = append(series, map[string]any{
			"name":       name,
			"type":       "scatter",
			"symbolSize": 4,
			"data":       points,
			"itemStyle":  map[string]any{"color": clusterColors[c%len(clusterColors)]},
		})
	}

	rows := make([]map[string]any, 0, nClusters)
	for c, n := range counts {
		rows = append(rows, map[string]any{
			"Cluster": fmt.Sprintf("Cluster %d", c),
			"Cells":   n,
			"Percent": fmt.Sprintf("%.1f", float64(n)/float64(total)*100),
		})
	}

	return &types.StepResult{
		Stats: map[string]any{
			"n_pcs_used":      nPCs,
			"n_clusters":      nClusters,
			"resolution_used": resolution,
			"n_cells":         total,
		},
		Charts: map[string]any{
			"umap": map[string]any{
				"title":  map[string]any{"text": "UMAP clustering", "left": "center"},
				"xAxis":  map[string]any{"type": "value", "name": "UMAP1", "scale": true},
				"yAxis":  map[string]any{"type": "value", "name": "UMAP2", "scale": true},
				"series": series,
				"legend": map[string]any{"type": "scroll", "bottom": 0, "data": legend},
			},
		},
		Tables: map[string]types.Table{
			"cluster_stats": {
				Columns: []string{"Cluster", "Cells", "Percent"},
				Data:    rows,
			},
		},
		Message: fmt.Sprintf("Clustering done: %d principal components, %d clusters identified.", nPCs, nClusters),
	}, nil
}

func simulateAnnotation(params map[string]any, rng *rand.Rand) (*types.StepResult, error) {
	method := stringParam(params, "annotation_method", "marker_genes")
	genes := splitMarkers(stringParam(params, "marker_genes", ""))

	present := make(map[string]bool, len(genes))
	for _, g := range genes {
		present[strings.ToUpper(g)] = true
	}

	catchAll := CellTypeCatalog[len(CellTypeCatalog)-1]
	var recognized []CellType
	unassigned := catchAll.Cells
	for _, ct := range CellTypeCatalog[:len(CellTypeCatalog)-1] {
		if method == "reference" || hasAllMarkers(present, ct.Markers) {
			recognized = append(recognized, ct)
			continue
		}
		unassigned += ct.Cells
	}
	if len(recognized) == 0 {
		return nil, InvalidInputError(types.StepAnnotation, "no marker gene matches a known cell type")
	}
	catchAll.Cells = unassigned
	recognized = append(recognized, catchAll)

	total := 0
	for _, ct := range recognized {
		total += ct.Cells
	}

	rows := make([]map[string]any, 0, len(recognized))
	series := make([]any, 0, len(recognized))
	for idx, ct := range recognized {
		markers := strings.Join(ct.Markers, ", ")
		if markers == "" {
			markers = "-"
		}
		rows = append(rows, map[string]any{
			"Cell type": ct.Name,
			"Markers":   markers,
			"Cells":     ct.Cells,
			"Percent":   fmt.Sprintf("%.1f", float64(ct.Cells)/float64(total)*100),
		})

		centerX := float64(idx%4)*8 - 12
		centerY := float64(idx/4)*8 - 4
		n := min(ct.Cells, umapSamplePoints)
		points := make([][]float64, 0, n)
		for i := 0; i < n; i++ {
			points = append(points, []float64{
				centerX + (rng.Float64()-0.5)*6,
				centerY + (rng.Float64()-0.5)*6,
			})
		}
		series = append(series, map[string]any{
			"name":       ct.Name,
			"type":       "scatter",
			"symbolSize": 4,
			"data":       points,
			"itemStyle":  map[string]any{"color": ct.Color},
		})
	}

	charts := map[string]any{
		"annotated_umap": map[string]any{
			"title":  map[string]any{"text": "Cell type annotation", "left": "center"},
			"xAxis":  map[string]any{"type": "value", "name": "UMAP1", "scale": true},
			"yAxis":  map[string]any{"type": "value", "name": "UMAP2", "scale": true},
			"series": series,
			"legend": map[string]any{"type": "scroll", "bottom": 0},
		},
	}
	if boolParam(params, "show_gene_scores", true) && len(genes) > 0 {
		charts["gene_scores"] = geneScoreHeatmap(genes, recognized, rng)
	}

	return &types.StepResult{
		Stats: map[string]any{
			"n_cell_types":      len(recognized),
			"marker_genes_used": len(genes),
			"annotation_method": method,
		},
		Charts: charts,
		Tables: map[string]types.Table{
			"cell_types": {
				Columns: []string{"Cell type", "Markers", "Cells", "Percent"},
				Data:    rows,
			},
		},
		Message: fmt.Sprintf("Annotation done: %d cell types identified.", len(recognized)),
	}, nil
}

func geneScoreHeatmap(genes []string, cellTypes []CellType, rng *rand.Rand) map[string]any {
	names := make([]string, 0, len(cellTypes))
	var data [][]any
	for y, ct := range cellTypes {
		names = append(names, ct.Name)
		for x, g := range genes {
			score := rng.Float64() * 0.3
			for _, m := range ct.Markers {
				if strings.EqualFold(m, g) {
					score = 0.7 + rng.Float64()*0.3
				}
			}
			data = append(data, []any{x, y, math.Round(score*100) / 100})
		}
	}
	return map[string]any{
		"title":     map[string]any{"text": "Marker gene scores", "left": "center"},
		"xAxis":     map[string]any{"type": "category", "data": genes},
		"yAxis":     map[string]any{"type": "category", "data": names},
		"visualMap": map[string]any{"min": 0, "max": 1},
		"series":    []any{map[string]any{"type": "heatmap", "data": data}},
	}
}

// seededRand derives a generator from the step and its parameters so identical inputs
// produce identical payloads.
func seededRand(step types.StepType, params map[string]any) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(step))
	// encoding/json sorts map keys, which makes the encoding canonical
	if b, err := json.Marshal(params); err == nil {
		h.Write(b)
	}
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}

func splitMarkers(s string) []string {
	var out []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

func hasAllMarkers(present map[string]bool, markers []string) bool {
	if len(markers) == 0 {
		return false
	}
	for _, m := range markers {
		if !present[m] {
			return false
		}
	}
	return true
}

func stringParam(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}

func numberParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
