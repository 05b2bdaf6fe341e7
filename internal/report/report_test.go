package report

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pronlab/stackbench/internal/experiment"
	"github.com/pronlab/stackbench/internal/fsutil"
	"github.com/pronlab/stackbench/internal/stack"
	"github.com/pronlab/stackbench/internal/timeutil"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testClock() *timeutil.MockClock {
	return timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
}

// sampleTable has a clear winner, a runner-up with a short mae column, and
// a stack that produced nothing usable.
func sampleTable() *stack.ComparisonTable {
	return &stack.ComparisonTable{
		Stacks:  []string{"baseline", "dtw_mfcc", "broken"},
		Metrics: []string{"rmse", "mae"},
		Cells: map[string]map[string]stack.Cell{
			"baseline": {
				"rmse": {Mean: 0.42, Std: 0.05, Folds: 5},
				"mae":  {Mean: 3.1, Std: 0.4, Folds: 5},
			},
			"dtw_mfcc": {
				"rmse": {Mean: 0.21, Std: 0.02, Folds: 5},
				"mae":  {Mean: 2.2, Std: 0.3, Folds: 4},
			},
			"broken": {
				"rmse": {Mean: math.NaN(), Std: 0, Folds: 0},
				"mae":  {Mean: math.NaN(), Std: 0, Folds: 0},
			},
		},
	}
}

func sampleSummary() *stack.Summary {
	return &stack.Summary{
		Stacks: map[string]*stack.StackSummary{
			"baseline": {Folds: []stack.FoldHealth{{Fold: 0, Utterances: 2}, {Fold: 1, Utterances: 2}}},
			"dtw_mfcc": {Folds: []stack.FoldHealth{{Fold: 0, Utterances: 2}, {Fold: 1, Utterances: 2}}},
			"broken": {
				Folds: []stack.FoldHealth{
					{Fold: 0, Utterances: 2},
					{Fold: 1, Utterances: 2, Excluded: 2, ExclusionRate: 1.0, Degraded: true},
				},
				Degraded: true,
			},
		},
		BestStack:    "dtw_mfcc",
		SuccessRate:  0.9,
		DurationSecs: 1.25,
	}
}

func sampleResult() *experiment.Result {
	return &experiment.Result{
		RunID:   "run-123",
		Table:   sampleTable(),
		Summary: sampleSummary(),
		Scores: map[string][]experiment.ScorePoint{
			"dtw_mfcc": {
				{UtteranceID: "utt_01", Predicted: 71.2, Actual: 70},
				{UtteranceID: "utt_02", Predicted: 64.8, Actual: 66},
				{UtteranceID: "utt_03", Predicted: 80.1, Actual: 79},
			},
		},
	}
}

func testWriter(mfs *fsutil.MemoryFileSystem) *Writer {
	return NewWriter(Config{
		FS:     mfs,
		OutDir: "out",
		Clock:  testClock(),
		Logger: quietLogger(),
	})
}

func TestWriteRendersAllArtifacts(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, testWriter(mfs).Write(sampleResult()))

	for _, name := range []string{MarkdownFile, CSVFile, ScatterFile, BarsFile} {
		assert.True(t, mfs.Exists("out/"+name), "missing artifact %s", name)
	}
}

func TestMarkdownRanksAndDiscloses(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, testWriter(mfs).Write(sampleResult()))

	data, err := mfs.ReadFile("out/" + MarkdownFile)
	require.NoError(t, err)
	md := string(data)

	assert.Contains(t, md, "- Run: `run-123`")
	assert.Contains(t, md, "- Generated: 2026-03-14T09:30:00Z")
	assert.Contains(t, md, "- Duration: 1.25s")
	assert.Contains(t, md, "- Utterance success rate: 90.0%")

	// Ranked ascending by rmse, unusable rows last.
	assert.Contains(t, md, "| 1 | dtw_mfcc |")
	assert.Contains(t, md, "| 2 | baseline |")
	assert.Contains(t, md, "| 3 | broken |")

	assert.Contains(t, md, "0.2100 ± 0.0200 (5)")
	assert.Contains(t, md, "2.2000 ± 0.3000 (4)", "short mae column keeps its effective fold count")
	assert.Contains(t, md, "n/a", "unusable cells render as n/a")

	assert.Contains(t, md, "## Best stack")
	assert.Contains(t, md, "`dtw_mfcc` with mean rmse 0.2100 over 5 folds")

	assert.Contains(t, md, "## Degraded folds")
	assert.Contains(t, md, "- `broken` fold 1: excluded 2 of 2 utterances (100%)")
	assert.NotContains(t, md, "`baseline` fold")
}

func TestCSVFlattensGrid(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, testWriter(mfs).Write(sampleResult()))

	data, err := mfs.ReadFile("out/" + CSVFile)
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4, "header + one row per stack")

	assert.Equal(t, []string{
		"stack",
		"rmse_mean", "rmse_std", "rmse_folds",
		"mae_mean", "mae_std", "mae_folds",
	}, rows[0])

	// Rows keep table order; ranking is a markdown concern.
	assert.Equal(t, []string{"baseline", "0.420000", "0.050000", "5", "3.100000", "0.400000", "5"}, rows[1])
	assert.Equal(t, "dtw_mfcc", rows[2][0])
	assert.Equal(t, []string{"broken", "NaN", "0.000000", "0", "NaN", "0.000000", "0"}, rows[3])
}

func TestScatterListsEachScoringStack(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, testWriter(mfs).Write(sampleResult()))

	data, err := mfs.ReadFile("out/" + ScatterFile)
	require.NoError(t, err)
	html := string(data)

	assert.Contains(t, html, "scatter")
	assert.Contains(t, html, "dtw_mfcc")
	assert.Contains(t, html, "utt_01")
	assert.NotContains(t, html, "baseline", "stacks without score pairs stay out of the chart")
}

func TestBarsArePNG(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, testWriter(mfs).Write(sampleResult()))

	data, err := mfs.ReadFile("out/" + BarsFile)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), data[:8])
}

func TestWriteSkipsScatterWithoutScores(t *testing.T) {
	t.Parallel()

	res := sampleResult()
	res.Scores = nil

	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, testWriter(mfs).Write(res))

	assert.False(t, mfs.Exists("out/"+ScatterFile))
	assert.True(t, mfs.Exists("out/"+MarkdownFile))
	assert.True(t, mfs.Exists("out/"+CSVFile))
	assert.True(t, mfs.Exists("out/"+BarsFile))
}

func TestWriteSkipsBarsWithoutFiniteCells(t *testing.T) {
	t.Parallel()

	table := sampleTable()
	for _, id := range table.Stacks {
		table.Cells[id]["rmse"] = stack.Cell{Mean: math.NaN(), Std: 0, Folds: 0}
	}
	res := &experiment.Result{Table: table}

	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, testWriter(mfs).Write(res))

	assert.False(t, mfs.Exists("out/"+BarsFile))
	assert.True(t, mfs.Exists("out/"+MarkdownFile))

	data, err := mfs.ReadFile("out/" + MarkdownFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "## Best stack", "no usable rank cell leaves no winner to declare")
}

func TestWriteTableOnlyResult(t *testing.T) {
	t.Parallel()

	// The shape a stored run re-renders from: grid but no summary and no
	// per-utterance scores.
	res := &experiment.Result{RunID: "run-456", Table: sampleTable()}

	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, testWriter(mfs).Write(res))

	data, err := mfs.ReadFile("out/" + MarkdownFile)
	require.NoError(t, err)
	md := string(data)

	assert.Contains(t, md, "- Run: `run-456`")
	assert.NotContains(t, md, "- Duration:")
	assert.NotContains(t, md, "## Degraded folds")
	assert.Contains(t, md, "## Best stack")
	assert.Contains(t, md, "`dtw_mfcc`", "best stack derived from the ranking when no summary exists")

	assert.False(t, mfs.Exists("out/"+ScatterFile))
	assert.True(t, mfs.Exists("out/"+CSVFile))
}

func TestWriteRejectsMissingTable(t *testing.T) {
	t.Parallel()

	w := testWriter(fsutil.NewMemoryFileSystem())
	assert.Error(t, w.Write(nil))
	assert.Error(t, w.Write(&experiment.Result{}))
}

func TestRankMetricOverride(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	w := NewWriter(Config{
		FS:         mfs,
		OutDir:     "out",
		RankMetric: "mae",
		Clock:      testClock(),
		Logger:     quietLogger(),
	})
	require.NoError(t, w.Write(sampleResult()))

	data, err := mfs.ReadFile("out/" + MarkdownFile)
	require.NoError(t, err)
	md := string(data)

	assert.Contains(t, md, "Ranked by mean mae")
	assert.True(t, strings.Index(md, "| 1 | dtw_mfcc |") < strings.Index(md, "| 2 | baseline |"))
	assert.Contains(t, md, "`dtw_mfcc` with mean mae 2.2000 over 4 folds")
}
