package methods

import (
	"context"
	"sort"

	"github.com/pronlab/stackbench/internal/dtw"
	"github.com/pronlab/stackbench/internal/stack"
)

// alignDTW warps the candidate segment-duration sequence onto the
// reference durations under a Sakoe–Chiba band and rebuilds the
// segmentation so it mirrors the reference structure: one output segment
// per reference segment, candidate spans merged or split along the warp
// path. The accumulated warp cost is attached as quality.
func alignDTW(_ context.Context, cand stack.SegmentSet, _ stack.FeatureMatrix, ref stack.Reference, params stack.Params) (stack.AlignmentResult, error) {
	if len(cand) == 0 || len(ref.Segments) == 0 {
		return stack.AlignmentResult{Segments: cand.Clone()}, nil
	}

	ratio := params.Float("window_ratio", 0.1)
	slope := params.Float("slope_penalty", 0)

	window := dtw.Window(len(cand), len(ref.Segments), ratio)
	res, err := dtw.Align(cand.Durations(), ref.Segments.Durations(), window, slope)
	if err != nil {
		return stack.AlignmentResult{}, err
	}

	segments := remapByPath(cand, ref.Segments, res.Path)
	quality := res.Cost
	return stack.AlignmentResult{Segments: segments, Quality: &quality}, nil
}

// remapByPath converts a warp path over (candidate, reference) indices
// into a segment set with one entry per reference segment. A candidate
// matched by several references is split proportionally to their
// durations; several candidates matched by one reference merge into a
// single span.
func remapByPath(cand, ref stack.SegmentSet, path [][2]int) stack.SegmentSet {
	// Contiguous reference range each candidate participates in.
	jFirst := make([]int, len(cand))
	jLast := make([]int, len(cand))
	for i := range jFirst {
		jFirst[i] = -1
	}
	for _, step := range path {
		i, j := step[0], step[1]
		if jFirst[i] < 0 {
			jFirst[i] = j
		}
		if j > jLast[i] {
			jLast[i] = j
		}
	}

	starts := make([]float64, len(ref))
	ends := make([]float64, len(ref))
	seen := make([]bool, len(ref))

	for i, seg := range cand {
		lo, hi := jFirst[i], jLast[i]
		if lo < 0 {
			continue
		}
		if lo == hi {
			extend(starts, ends, seen, lo, seg.Start, seg.End)
			continue
		}
		// Split the candidate span proportionally to the durations of the
		// references it covers.
		var total float64
		for j := lo; j <= hi; j++ {
			total += ref[j].Dur()
		}
		cursor := seg.Start
		for j := lo; j <= hi; j++ {
			end := cursor + seg.Dur()*ref[j].Dur()/total
			if j == hi {
				end = seg.End
			}
			extend(starts, ends, seen, j, cursor, end)
			cursor = end
		}
	}

	out := make(stack.SegmentSet, 0, len(ref))
	for j := range ref {
		if !seen[j] || ends[j]-starts[j] <= 0 {
			continue
		}
		out = append(out, stack.Segment{Start: starts[j], End: ends[j]})
	}
	return out
}

func extend(starts, ends []float64, seen []bool, j int, s, e float64) {
	if !seen[j] {
		starts[j], ends[j] = s, e
		seen[j] = true
		return
	}
	if s < starts[j] {
		starts[j] = s
	}
	if e > ends[j] {
		ends[j] = e
	}
}

// alignSnap pulls every candidate boundary to the nearest reference
// boundary within tolerance_ms, leaving boundaries without a close match
// untouched. Segments that a snap would collapse keep their original
// bounds; overlaps introduced by snapping are clamped away.
func alignSnap(_ context.Context, cand stack.SegmentSet, _ stack.FeatureMatrix, ref stack.Reference, params stack.Params) (stack.AlignmentResult, error) {
	tolerance := params.Float("tolerance_ms", 75) / 1000
	bounds := ref.Segments.Boundaries()
	if len(bounds) == 0 {
		return stack.AlignmentResult{Segments: cand.Clone()}, nil
	}

	snap := func(t float64) float64 {
		idx := sort.SearchFloat64s(bounds, t)
		best := t
		bestDist := tolerance
		for _, k := range []int{idx - 1, idx} {
			if k < 0 || k >= len(bounds) {
				continue
			}
			if d := abs(bounds[k] - t); d <= bestDist {
				best = bounds[k]
				bestDist = d
			}
		}
		return best
	}

	out := make(stack.SegmentSet, 0, len(cand))
	for _, seg := range cand {
		s, e := snap(seg.Start), snap(seg.End)
		if e-s <= 0 {
			s, e = seg.Start, seg.End
		}
		if n := len(out); n > 0 && s < out[n-1].End {
			s = out[n-1].End
		}
		if e-s > 1e-9 {
			out = append(out, stack.Segment{Start: s, End: e})
		}
	}
	return stack.AlignmentResult{Segments: out}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
