package methods

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pronlab/stackbench/internal/stack"
	"github.com/pronlab/stackbench/internal/testutil"
)

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()

	reg := stack.NewCapabilityRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	assert.Equal(t, []string{"adaptive", "energy"}, reg.Methods(stack.StageVAD))
	assert.Equal(t, []string{"energy_stats", "mfcc"}, reg.Methods(stack.StageFeature))
	assert.Equal(t, []string{"dtw", "external", "snap"}, reg.Methods(stack.StageAlignment))
	assert.Equal(t, []string{"forest", "linear"}, reg.Methods(stack.StageScoring))

	// All builtins exist already, so a second pass must collide.
	err := RegisterBuiltins(reg)
	var regErr *stack.RegistrationError
	require.ErrorAs(t, err, &regErr)
}

func TestEnergyVADFindsBursts(t *testing.T) {
	t.Parallel()

	audio := testutil.Waveform(2.0, testutil.Bursts())
	segs, err := energyVAD(context.Background(), audio, stack.Params{})
	require.NoError(t, err)
	require.NoError(t, segs.Validate(audio.Duration()))

	require.Len(t, segs, 2)
	for i, want := range testutil.Bursts() {
		assert.InDelta(t, want.Start, segs[i].Start, 0.06)
		assert.InDelta(t, want.End, segs[i].End, 0.06)
	}
}

func TestEnergyVADSilenceYieldsNothing(t *testing.T) {
	t.Parallel()

	audio := testutil.Waveform(1.0, nil)
	segs, err := energyVAD(context.Background(), audio, stack.Params{})
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestAdaptiveVADFindsBursts(t *testing.T) {
	t.Parallel()

	audio := testutil.Waveform(2.0, testutil.Bursts())
	segs, err := adaptiveVAD(context.Background(), audio, stack.Params{"percentile": 50})
	require.NoError(t, err)
	require.NoError(t, segs.Validate(audio.Duration()))

	require.Len(t, segs, 2)
	for i, want := range testutil.Bursts() {
		assert.InDelta(t, want.Start, segs[i].Start, 0.06)
		assert.InDelta(t, want.End, segs[i].End, 0.06)
	}
}

func TestVADMergesNearSegments(t *testing.T) {
	t.Parallel()

	// Two bursts 100ms apart merge under the default 200ms gap.
	close := stack.SegmentSet{{Start: 0.5, End: 0.8}, {Start: 0.9, End: 1.2}}
	audio := testutil.Waveform(2.0, close)
	segs, err := energyVAD(context.Background(), audio, stack.Params{})
	require.NoError(t, err)

	require.Len(t, segs, 1)
	assert.InDelta(t, 0.5, segs[0].Start, 0.06)
	assert.InDelta(t, 1.2, segs[0].End, 0.06)
}

func TestMFCCShape(t *testing.T) {
	t.Parallel()

	audio := testutil.Waveform(2.0, testutil.Bursts())
	segs := testutil.Bursts()

	m, err := extractMFCC(context.Background(), audio, segs, stack.Params{"sample_rate": testutil.SampleRate})
	require.NoError(t, err)
	assert.Equal(t, len(segs), m.NumRows())
	assert.Equal(t, 13, m.Dim)
	for _, row := range m.Rows {
		assert.Len(t, row, 13)
	}

	withDeltas, err := extractMFCC(context.Background(), audio, segs, stack.Params{
		"sample_rate":         testutil.SampleRate,
		"include_delta":       true,
		"include_delta_delta": true,
	})
	require.NoError(t, err)
	assert.Equal(t, 39, withDeltas.Dim)
	for _, row := range withDeltas.Rows {
		assert.Len(t, row, 39)
	}
}

func TestMFCCShortSegmentFallsBack(t *testing.T) {
	t.Parallel()

	audio := testutil.Waveform(2.0, testutil.Bursts())
	segs := stack.SegmentSet{{Start: 0.5, End: 0.501}, {Start: 1.5, End: 2.0}}

	m, err := extractMFCC(context.Background(), audio, segs, stack.Params{"sample_rate": testutil.SampleRate})
	require.NoError(t, err)
	// Row count must match segment count even when a segment is shorter
	// than one analysis window.
	assert.Equal(t, 2, m.NumRows())
}

func TestEnergyStats(t *testing.T) {
	t.Parallel()

	audio := testutil.Waveform(2.0, testutil.Bursts())
	segs := stack.SegmentSet{{Start: 0.5, End: 1.0}, {Start: 1.05, End: 1.45}}

	m, err := extractEnergyStats(context.Background(), audio, segs, nil)
	require.NoError(t, err)
	require.Equal(t, 2, m.NumRows())
	assert.Equal(t, 3, m.Dim)

	// Tone segment: RMS of a 0.5 amplitude sine, 220 Hz crossing rate.
	assert.InDelta(t, 0.5/1.41421, m.Rows[0][0], 0.01)
	assert.InDelta(t, 2*220.0/testutil.SampleRate, m.Rows[0][1], 0.005)
	assert.InDelta(t, 0.5, m.Rows[0][2], 1e-9)

	// Silence segment.
	assert.InDelta(t, 0, m.Rows[1][0], 1e-9)
	assert.InDelta(t, 0, m.Rows[1][1], 1e-9)
}

func TestDTWAlignerSplitsToReferenceStructure(t *testing.T) {
	t.Parallel()

	cand := stack.SegmentSet{{Start: 0.4, End: 2.0}}
	ref := stack.Reference{Segments: testutil.Bursts()}

	res, err := alignDTW(context.Background(), cand, stack.FeatureMatrix{}, ref, stack.Params{})
	require.NoError(t, err)
	require.NoError(t, res.Segments.Validate(2.0))

	// One candidate covering both references splits proportionally.
	require.Len(t, res.Segments, 2)
	assert.InDelta(t, 0.4, res.Segments[0].Start, 1e-9)
	assert.InDelta(t, 1.2, res.Segments[0].End, 1e-9)
	assert.InDelta(t, 1.2, res.Segments[1].Start, 1e-9)
	assert.InDelta(t, 2.0, res.Segments[1].End, 1e-9)
	require.NotNil(t, res.Quality)
}

func TestDTWAlignerKeepsMatchingStructure(t *testing.T) {
	t.Parallel()

	cand := stack.SegmentSet{{Start: 0.48, End: 1.02}, {Start: 1.51, End: 1.98}}
	ref := stack.Reference{Segments: testutil.Bursts()}

	res, err := alignDTW(context.Background(), cand, stack.FeatureMatrix{}, ref, stack.Params{})
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	require.NotNil(t, res.Quality)
	// Near-identical durations warp cheaply.
	assert.Less(t, *res.Quality, 0.2)
}

func TestDTWAlignerEmptyInputsPassThrough(t *testing.T) {
	t.Parallel()

	res, err := alignDTW(context.Background(), nil, stack.FeatureMatrix{}, stack.Reference{}, stack.Params{})
	require.NoError(t, err)
	assert.Empty(t, res.Segments)
	assert.Nil(t, res.Quality)
}

func TestSnapAlignerPullsBoundaries(t *testing.T) {
	t.Parallel()

	cand := stack.SegmentSet{{Start: 0.48, End: 1.03}, {Start: 1.52, End: 1.97}}
	ref := stack.Reference{Segments: testutil.Bursts()}

	res, err := alignSnap(context.Background(), cand, stack.FeatureMatrix{}, ref, stack.Params{})
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	for i, want := range testutil.Bursts() {
		assert.InDelta(t, want.Start, res.Segments[i].Start, 1e-9)
		assert.InDelta(t, want.End, res.Segments[i].End, 1e-9)
	}
}

func TestSnapAlignerLeavesFarBoundaries(t *testing.T) {
	t.Parallel()

	// 300ms away from every reference boundary: outside the default 75ms.
	cand := stack.SegmentSet{{Start: 0.2, End: 1.2}}
	ref := stack.Reference{Segments: testutil.Bursts()}

	res, err := alignSnap(context.Background(), cand, stack.FeatureMatrix{}, ref, stack.Params{"tolerance_ms": 50.0})
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	assert.InDelta(t, 0.2, res.Segments[0].Start, 1e-9)
	assert.InDelta(t, 1.2, res.Segments[0].End, 1e-9)
}
