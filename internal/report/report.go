// Package report renders a finished run into the output directory: a
// ranked markdown digest, a machine-readable CSV of the comparison grid,
// an interactive predicted-vs-reference scatter, and a bar chart of the
// ranking metric. Writers go through fsutil.FileSystem so tests render
// into memory.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pronlab/stackbench/internal/experiment"
	"github.com/pronlab/stackbench/internal/fsutil"
	"github.com/pronlab/stackbench/internal/metrics"
	"github.com/pronlab/stackbench/internal/stack"
	"github.com/pronlab/stackbench/internal/timeutil"
)

// Artifact file names, relative to the output directory.
const (
	MarkdownFile = "report.md"
	CSVFile      = "comparison.csv"
	ScatterFile  = "scores_scatter.html"
	BarsFile     = "metric_bars.png"
)

// DefaultRankMetric orders stacks and feeds the bar chart when the config
// does not choose one. Lower is better for every segmentation metric.
const DefaultRankMetric = metrics.MetricRMSE

// Config configures a report Writer.
type Config struct {
	// FS receives the rendered files. Optional; if nil, uses OSFileSystem.
	FS fsutil.FileSystem

	// OutDir is the directory the artifacts land in, created if missing.
	OutDir string

	// RankMetric orders the markdown table and selects the bar-chart
	// metric. Optional; if empty, uses DefaultRankMetric.
	RankMetric string

	// Clock stamps the generation time. Optional; if nil, uses RealClock.
	Clock timeutil.Clock

	// Logger for per-artifact progress. Optional; if nil, uses log.Default().
	Logger *log.Logger
}

// Writer renders run results into one output directory.
type Writer struct {
	fs     fsutil.FileSystem
	outDir string
	metric string
	clock  timeutil.Clock
	logger *log.Logger
}

// NewWriter creates a report writer from the config, applying defaults.
func NewWriter(cfg Config) *Writer {
	w := &Writer{
		fs:     cfg.FS,
		outDir: cfg.OutDir,
		metric: cfg.RankMetric,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if w.fs == nil {
		w.fs = fsutil.OSFileSystem{}
	}
	if w.metric == "" {
		w.metric = DefaultRankMetric
	}
	if w.clock == nil {
		w.clock = timeutil.RealClock{}
	}
	if w.logger == nil {
		w.logger = log.Default()
	}
	return w
}

// Write renders every artifact for the run. The scatter needs per-utterance
// score pairs and the bar chart needs at least one finite cell of the rank
// metric; a missing input skips that artifact with a log line instead of
// failing the report.
func (w *Writer) Write(res *experiment.Result) error {
	if res == nil || res.Table == nil {
		return fmt.Errorf("report: no comparison table to render")
	}
	if err := w.fs.MkdirAll(w.outDir, 0755); err != nil {
		return fmt.Errorf("report: create output dir: %w", err)
	}
	if err := w.writeMarkdown(res); err != nil {
		return fmt.Errorf("report: write %s: %w", MarkdownFile, err)
	}
	if err := w.writeCSV(res.Table); err != nil {
		return fmt.Errorf("report: write %s: %w", CSVFile, err)
	}
	if err := w.writeScatter(res); err != nil {
		return fmt.Errorf("report: write %s: %w", ScatterFile, err)
	}
	if err := w.writeBars(res.Table); err != nil {
		return fmt.Errorf("report: write %s: %w", BarsFile, err)
	}
	return nil
}

// writeMarkdown renders the ranked digest. The fold-health section needs
// the summary, so a table re-rendered from storage gets the grid and the
// best-stack line only.
func (w *Writer) writeMarkdown(res *experiment.Result) error {
	table, summary := res.Table, res.Summary

	var b bytes.Buffer
	b.WriteString("# Stack comparison\n\n")
	if res.RunID != "" {
		fmt.Fprintf(&b, "- Run: `%s`\n", res.RunID)
	}
	fmt.Fprintf(&b, "- Generated: %s\n", w.clock.Now().UTC().Format(time.RFC3339))
	if summary != nil {
		fmt.Fprintf(&b, "- Duration: %.2fs\n", summary.DurationSecs)
		fmt.Fprintf(&b, "- Utterance success rate: %.1f%%\n", summary.SuccessRate*100)
	}

	b.WriteString("\n## Results\n\n")
	fmt.Fprintf(&b, "Ranked by mean %s across folds, lower is better. Cells are mean ± std\nwith the effective fold count in parentheses.\n\n", w.metric)

	b.WriteString("| rank | stack |")
	for _, m := range table.Metrics {
		fmt.Fprintf(&b, " %s |", m)
	}
	b.WriteString("\n|---|---|")
	for range table.Metrics {
		b.WriteString("---|")
	}
	b.WriteString("\n")

	ranked := w.rankStacks(table)
	for i, id := range ranked {
		fmt.Fprintf(&b, "| %d | %s |", i+1, id)
		for _, m := range table.Metrics {
			b.WriteString(" " + formatCell(table, id, m) + " |")
		}
		b.WriteString("\n")
	}

	if best := w.bestStack(res, ranked); best != "" {
		fmt.Fprintf(&b, "\n## Best stack\n\n`%s`", best)
		if c, ok := usableCell(table, best, w.metric); ok {
			fmt.Fprintf(&b, " with mean %s %.4f over %d folds", w.metric, c.Mean, c.Folds)
		}
		b.WriteString(".\n")
	}

	if summary != nil {
		b.WriteString("\n## Degraded folds\n\n")
		w.degradedNotes(&b, table, summary)
	}

	path := filepath.Join(w.outDir, MarkdownFile)
	if err := w.fs.WriteFile(path, b.Bytes(), 0644); err != nil {
		return err
	}
	w.logger.Printf("[report] wrote %s", path)
	return nil
}

// degradedNotes lists every fold that crossed the exclusion threshold.
func (w *Writer) degradedNotes(b *bytes.Buffer, table *stack.ComparisonTable, summary *stack.Summary) {
	any := false
	for _, id := range table.Stacks {
		ss := summary.Stacks[id]
		if ss == nil || !ss.Degraded {
			continue
		}
		any = true
		for _, fh := range ss.Folds {
			if !fh.Degraded {
				continue
			}
			fmt.Fprintf(b, "- `%s` fold %d: excluded %d of %d utterances (%.0f%%)\n",
				id, fh.Fold, fh.Excluded, fh.Utterances, fh.ExclusionRate*100)
		}
	}
	if !any {
		b.WriteString("None; every stack kept its full sample.\n")
	}
}

// bestStack prefers the engine's pick; a table-only result falls back to
// the top-ranked stack with a usable rank-metric cell.
func (w *Writer) bestStack(res *experiment.Result, ranked []string) string {
	if res.Summary != nil {
		return res.Summary.BestStack
	}
	if len(ranked) > 0 {
		if _, ok := usableCell(res.Table, ranked[0], w.metric); ok {
			return ranked[0]
		}
	}
	return ""
}

// rankStacks orders stacks by ascending mean of the rank metric. Stacks
// without a usable cell sort last; ties and unusable runs keep table order.
func (w *Writer) rankStacks(table *stack.ComparisonTable) []string {
	ranked := append([]string(nil), table.Stacks...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ci, oki := usableCell(table, ranked[i], w.metric)
		cj, okj := usableCell(table, ranked[j], w.metric)
		if oki != okj {
			return oki
		}
		if !oki {
			return false
		}
		return ci.Mean < cj.Mean
	})
	return ranked
}

// usableCell returns the cell when it carries at least one finite fold.
func usableCell(table *stack.ComparisonTable, stackID, metric string) (stack.Cell, bool) {
	c, ok := table.Cell(stackID, metric)
	if !ok || c.Folds == 0 || math.IsNaN(c.Mean) {
		return stack.Cell{}, false
	}
	return c, true
}

// formatCell renders one markdown grid entry.
func formatCell(table *stack.ComparisonTable, stackID, metric string) string {
	c, ok := usableCell(table, stackID, metric)
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.4f ± %.4f (%d)", c.Mean, c.Std, c.Folds)
}

// writeCSV flattens the grid into stack rows with mean/std/folds columns
// per metric. NaN renders as "NaN" so sparse cells stay visible.
func (w *Writer) writeCSV(table *stack.ComparisonTable) error {
	path := filepath.Join(w.outDir, CSVFile)
	f, err := w.fs.Create(path)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(f)

	header := []string{"stack"}
	for _, m := range table.Metrics {
		header = append(header, m+"_mean", m+"_std", m+"_folds")
	}
	cw.Write(header)

	for _, id := range table.Stacks {
		row := []string{id}
		for _, m := range table.Metrics {
			mean, std, folds := math.NaN(), math.NaN(), 0
			if c, ok := table.Cell(id, m); ok {
				mean, std, folds = c.Mean, c.Std, c.Folds
			}
			row = append(row, fmt.Sprintf("%.6f", mean), fmt.Sprintf("%.6f", std), strconv.Itoa(folds))
		}
		cw.Write(row)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	w.logger.Printf("[report] wrote %s", path)
	return nil
}
