// Package results aggregates per-fold evaluation records into the
// cross-stack comparison table and the nested run summary. NaN fold values
// (degenerate metrics) are excluded from aggregates; the surviving fold
// count travels with every cell so a reduced sample is always disclosed.
package results

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/pronlab/stackbench/internal/metrics"
	"github.com/pronlab/stackbench/internal/stack"
)

// Aggregator carries the degraded-flag threshold from the execution
// settings.
type Aggregator struct {
	degradedThreshold float64
}

// New returns an aggregator flagging stack/folds whose utterance exclusion
// rate exceeds threshold.
func New(threshold float64) *Aggregator {
	return &Aggregator{degradedThreshold: threshold}
}

// FoldHealth classifies one stack/fold's exclusion accounting.
func (a *Aggregator) FoldHealth(fold, utterances, excluded int) stack.FoldHealth {
	h := stack.FoldHealth{Fold: fold, Utterances: utterances, Excluded: excluded}
	if utterances > 0 {
		h.ExclusionRate = float64(excluded) / float64(utterances)
	}
	h.Degraded = h.ExclusionRate > a.degradedThreshold
	return h
}

// Table reduces the record stream to one cell per (stack, metric): the
// mean and sample standard deviation over fold values, with the count of
// folds that actually contributed. Rows and columns keep the caller's
// order. A metric that produced no usable fold values still gets a cell,
// with Folds zero and a NaN mean.
func (a *Aggregator) Table(stackOrder, metricOrder []string, records []stack.EvaluationRecord) *stack.ComparisonTable {
	byCell := make(map[string]map[string][]float64, len(stackOrder))
	for _, rec := range records {
		if math.IsNaN(rec.Value) {
			continue
		}
		row, ok := byCell[rec.StackID]
		if !ok {
			row = make(map[string][]float64)
			byCell[rec.StackID] = row
		}
		row[rec.Metric] = append(row[rec.Metric], rec.Value)
	}

	table := &stack.ComparisonTable{
		Stacks:  append([]string(nil), stackOrder...),
		Metrics: append([]string(nil), metricOrder...),
		Cells:   make(map[string]map[string]stack.Cell, len(stackOrder)),
	}
	for _, stackID := range stackOrder {
		row := make(map[string]stack.Cell, len(metricOrder))
		for _, metric := range metricOrder {
			row[metric] = aggregate(byCell[stackID][metric])
		}
		table.Cells[stackID] = row
	}
	return table
}

// aggregate folds non-NaN values into one cell.
func aggregate(values []float64) stack.Cell {
	if len(values) == 0 {
		return stack.Cell{Mean: math.NaN(), Std: 0, Folds: 0}
	}
	cell := stack.Cell{Folds: len(values)}
	if len(values) < 2 {
		cell.Mean = values[0]
		return cell
	}
	cell.Mean, cell.Std = stat.MeanStdDev(values, nil)
	return cell
}

// Summarize builds the nested run digest: per-stack averages and fold
// health, the best stack by mean boundary RMSE, the overall utterance
// success rate, and the wall-clock duration.
func (a *Aggregator) Summarize(table *stack.ComparisonTable, health map[string][]stack.FoldHealth, durationSecs float64) *stack.Summary {
	summary := &stack.Summary{
		Stacks:       make(map[string]*stack.StackSummary, len(table.Stacks)),
		DurationSecs: durationSecs,
	}

	var attempted, succeeded int
	for _, stackID := range table.Stacks {
		ss := &stack.StackSummary{
			Averages: table.Cells[stackID],
			Folds:    health[stackID],
		}
		for _, h := range ss.Folds {
			attempted += h.Utterances
			succeeded += h.Utterances - h.Excluded
			if h.Degraded {
				ss.Degraded = true
			}
		}
		summary.Stacks[stackID] = ss
	}
	if attempted > 0 {
		summary.SuccessRate = float64(succeeded) / float64(attempted)
	}

	summary.BestStack = bestByRMSE(table)
	return summary
}

// bestByRMSE picks the stack with the lowest mean boundary RMSE over a
// non-empty fold sample. Ties keep the earlier stack in table order.
func bestByRMSE(table *stack.ComparisonTable) string {
	best := ""
	bestMean := math.Inf(1)
	for _, stackID := range table.Stacks {
		cell, ok := table.Cell(stackID, metrics.MetricRMSE)
		if !ok || cell.Folds == 0 || math.IsNaN(cell.Mean) {
			continue
		}
		if cell.Mean < bestMean {
			bestMean = cell.Mean
			best = stackID
		}
	}
	return best
}
