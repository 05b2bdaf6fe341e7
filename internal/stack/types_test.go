package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentSetValidate(t *testing.T) {
	t.Parallel()

	t.Run("accepts well-formed set", func(t *testing.T) {
		t.Parallel()
		ss := SegmentSet{{0.5, 1.0}, {1.5, 2.0}}
		assert.NoError(t, ss.Validate(2.0))
	})

	t.Run("accepts full span", func(t *testing.T) {
		t.Parallel()
		ss := FullSpan(3.0)
		require.Len(t, ss, 1)
		assert.Equal(t, Segment{Start: 0, End: 3.0}, ss[0])
		assert.NoError(t, ss.Validate(3.0))
	})

	t.Run("rejects overlap", func(t *testing.T) {
		t.Parallel()
		ss := SegmentSet{{0.0, 1.2}, {1.0, 2.0}}
		assert.Error(t, ss.Validate(2.0))
	})

	t.Run("rejects out-of-range end", func(t *testing.T) {
		t.Parallel()
		ss := SegmentSet{{0.0, 2.5}}
		assert.Error(t, ss.Validate(2.0))
	})

	t.Run("rejects zero-length segment", func(t *testing.T) {
		t.Parallel()
		ss := SegmentSet{{1.0, 1.0}}
		assert.Error(t, ss.Validate(2.0))
	})

	t.Run("rejects decreasing starts", func(t *testing.T) {
		t.Parallel()
		ss := SegmentSet{{1.0, 1.5}, {0.2, 0.8}}
		assert.Error(t, ss.Validate(2.0))
	})
}

func TestSegmentSetHelpers(t *testing.T) {
	t.Parallel()

	ss := SegmentSet{{0.5, 1.0}, {1.5, 2.0}}
	assert.InDelta(t, 1.0, ss.TotalDuration(), 1e-12)
	assert.Equal(t, []float64{0.5, 0.5}, ss.Durations())
	assert.Equal(t, []float64{0.5, 1.0, 1.5, 2.0}, ss.Boundaries())

	clone := ss.Clone()
	clone[0].Start = 0.1
	assert.Equal(t, 0.5, ss[0].Start, "clone must not alias the original")
}

func TestFeatureMatrixMeanVector(t *testing.T) {
	t.Parallel()

	fm := FeatureMatrix{
		Rows: [][]float64{{1, 2, 3}, {3, 4, 5}},
		Dim:  3,
	}
	assert.Equal(t, []float64{2, 3, 4}, fm.MeanVector())
	assert.Equal(t, 2, fm.NumRows())
	assert.False(t, fm.Empty())

	var empty FeatureMatrix
	assert.True(t, empty.Empty())
	assert.Nil(t, empty.MeanVector())
}

func TestParamsGetters(t *testing.T) {
	t.Parallel()

	// YAML decodes whole numbers as int, JSON round-trips may hand back
	// int64; the getters coerce both.
	p := Params{
		"n_mfcc":    13,
		"window":    0.1,
		"threshold": int64(-35),
		"include":   true,
		"command":   "mfa",
	}

	assert.Equal(t, 13, p.Int("n_mfcc", 0))
	assert.InDelta(t, 13.0, p.Float("n_mfcc", 0), 1e-12)
	assert.InDelta(t, 0.1, p.Float("window", 0), 1e-12)
	assert.Equal(t, -35, p.Int("threshold", 0))
	assert.True(t, p.Bool("include", false))
	assert.Equal(t, "mfa", p.String("command", ""))

	// Defaults on missing keys.
	assert.Equal(t, 100, p.Int("n_estimators", 100))
	assert.InDelta(t, 0.97, p.Float("preemphasis", 0.97), 1e-12)
	assert.False(t, p.Bool("missing", false))
	assert.Equal(t, "fallback", p.String("missing", "fallback"))
}

func TestWaveformDuration(t *testing.T) {
	t.Parallel()

	w := Waveform{Samples: make([]float64, 32000), SampleRate: 16000}
	assert.InDelta(t, 2.0, w.Duration(), 1e-12)

	var zero Waveform
	assert.Equal(t, 0.0, zero.Duration())
}

func TestMethodSpecNull(t *testing.T) {
	t.Parallel()

	assert.True(t, MethodSpec{}.Null())
	assert.False(t, MethodSpec{Method: "energy"}.Null())
}

func TestComparisonTableLookups(t *testing.T) {
	t.Parallel()

	table := &ComparisonTable{
		Stacks:  []string{"baseline"},
		Metrics: []string{"rmse"},
		Cells: map[string]map[string]Cell{
			"baseline": {"rmse": {Mean: 0.12, Std: 0.03, Folds: 5}},
		},
	}

	c, ok := table.Cell("baseline", "rmse")
	require.True(t, ok)
	assert.Equal(t, 5, c.Folds)

	_, ok = table.Cell("baseline", "mae")
	assert.False(t, ok)
	_, ok = table.Cell("missing", "rmse")
	assert.False(t, ok)

	assert.True(t, table.HasMetric("rmse"))
	assert.False(t, table.HasMetric("mae"))
}
