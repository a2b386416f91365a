// Package observability provides logging setup and formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jonathan/scpipeline/internal/schemas"
	"github.com/jonathan/scpipeline/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// timeFormat is used for every timestamp the printer shows
	timeFormat = "2006-01-02 15:04:05"
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// statusMarker returns a one-character marker for a step status.
func statusMarker(status types.StepStatus) string {
	switch status {
	case types.StatusCompleted:
		return "✓"
	case types.StatusRunning:
		return "…"
	case types.StatusError:
		return "✗"
	default:
		return "·"
	}
}

// PrintPipeline outputs a pipeline with its metadata and per-step status.
func (p *Printer) PrintPipeline(pl *types.PipelineState) {
	if pl == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID:       %s\n", pl.ID))
	if pl.Metadata.DataPath != "" {
		sb.WriteString(fmt.Sprintf("Data:     %s\n", pl.Metadata.DataPath))
	}
	if pl.Metadata.Species != "" {
		sb.WriteString(fmt.Sprintf("Species:  %s\n", pl.Metadata.Species))
	}
	if pl.Metadata.Description != "" {
		sb.WriteString(fmt.Sprintf("About:    %s\n", pl.Metadata.Description))
	}
	sb.WriteString(fmt.Sprintf("Created:  %s\n", pl.CreatedAt.Format(timeFormat)))
	sb.WriteString(fmt.Sprintf("Updated:  %s\n", pl.UpdatedAt.Format(timeFormat)))
	sb.WriteString("\n")

	for i, st := range pl.Steps {
		cursor := " "
		if i == pl.CurrentStep {
			cursor = ">"
		}
		sb.WriteString(fmt.Sprintf("%s %s %-12s %-10s runs: %d\n",
			cursor, statusMarker(st.Status), st.StepType, st.Status, len(st.History)))
		if st.Status == types.StatusError && st.Error != "" {
			sb.WriteString(fmt.Sprintf("      error: %s\n", st.Error))
		}
	}

	p.printBox(strings.ToUpper(pl.Name), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintPipelineList outputs one line per pipeline.
func (p *Printer) PrintPipelineList(pipelines []*types.PipelineState) {
	if len(pipelines) == 0 {
		p.printBox("PIPELINES", "No pipelines")
		return
	}

	var sb strings.Builder
	for _, pl := range pipelines {
		completed := 0
		for _, st := range pl.Steps {
			if st.Status == types.StatusCompleted {
				completed++
			}
		}
		sb.WriteString(fmt.Sprintf("%s  %d/%d  %s\n", pl.ID.String()[:8], completed, len(pl.Steps), pl.Name))
	}
	p.printBox(fmt.Sprintf("PIPELINES (%d)", len(pipelines)), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintStepResult outputs the stats, tables and chart names of a step result.
func (p *Printer) PrintStepResult(step types.StepType, result *types.StepResult) {
	if result == nil {
		return
	}

	var sb strings.Builder
	if result.Message != "" {
		sb.WriteString(result.Message + "\n\n")
	}

	if len(result.Stats) > 0 {
		sb.WriteString("Stats:\n")
		for _, k := range sortedKeys(result.Stats) {
			sb.WriteString(fmt.Sprintf("  %-20s %v\n", k, result.Stats[k]))
		}
	}

	for _, name := range sortedKeys(result.Tables) {
		table := result.Tables[name]
		sb.WriteString(fmt.Sprintf("\nTable %s (%d rows):\n", name, len(table.Data)))
		sb.WriteString("  " + strings.Join(table.Columns, " | ") + "\n")
		count := min(len(table.Data), maxItemsToShow)
		for i := 0; i < count; i++ {
			cells := make([]string, len(table.Columns))
			for j, col := range table.Columns {
				cells[j] = fmt.Sprint(table.Data[i][col])
			}
			sb.WriteString("  " + strings.Join(cells, " | ") + "\n")
		}
		if len(table.Data) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(table.Data)-maxItemsToShow))
		}
	}

	if len(result.Charts) > 0 {
		sb.WriteString(fmt.Sprintf("\nCharts: %s\n", strings.Join(sortedKeys(result.Charts), ", ")))
	}
	if len(result.Images) > 0 {
		sb.WriteString(fmt.Sprintf("Images: %s\n", strings.Join(sortedKeys(result.Images), ", ")))
	}

	p.printBox("RESULT: "+strings.ToUpper(string(step)), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintHistory outputs past executions of a step, newest first.
func (p *Printer) PrintHistory(step types.StepType, history []types.StepExecution) {
	if len(history) == 0 {
		p.printBox("HISTORY: "+strings.ToUpper(string(step)), "No executions")
		return
	}

	var sb strings.Builder
	for i := len(history) - 1; i >= 0; i-- {
		exec := history[i]
		sb.WriteString(exec.ExecutedAt.Format(timeFormat) + "\n")
		sb.WriteString(fmt.Sprintf("    id: %s\n", exec.ID))
		for _, k := range sortedKeys(exec.Params) {
			sb.WriteString(fmt.Sprintf("    %s = %v\n", k, exec.Params[k]))
		}
	}
	p.printBox(fmt.Sprintf("HISTORY: %s (%d)", strings.ToUpper(string(step)), len(history)),
		strings.TrimSuffix(sb.String(), "\n"))
}

// PrintDefinitions outputs the step catalog with each parameter and its default.
func (p *Printer) PrintDefinitions(defs []schemas.StepDefinition) {
	for _, def := range defs {
		var sb strings.Builder
		sb.WriteString(def.Description + "\n\n")

		names := def.ParamSchema.Order
		if len(names) == 0 {
			names = sortedKeys(def.ParamSchema.Properties)
		}
		for _, name := range names {
			prop := def.ParamSchema.Properties[name]
			line := fmt.Sprintf("  %-18s %-8s", name, prop.Type)
			if prop.Default != nil {
				line += fmt.Sprintf(" default: %v", prop.Default)
			}
			sb.WriteString(line + "\n")
		}

		p.printBox(fmt.Sprintf("%s (%s)", def.DisplayName, def.StepType), strings.TrimSuffix(sb.String(), "\n"))
	}
}

// PrintDuration outputs how long a command took.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintDuration(label string, d time.Duration) {
	fmt.Fprintf(p.out, "%s in %s\n", label, d.Round(time.Millisecond))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
