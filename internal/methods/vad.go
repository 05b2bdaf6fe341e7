package methods

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/pronlab/stackbench/internal/stack"
)

// energyVAD classifies fixed-width frames by RMS level against an absolute
// dBFS threshold, then merges near segments and drops very short ones.
func energyVAD(_ context.Context, audio stack.Waveform, params stack.Params) (stack.SegmentSet, error) {
	frameMs := params.Float("frame_ms", 30)
	thresholdDB := params.Float("threshold_db", -35)

	frames, frameDur := frameLevelsDB(audio, frameMs)
	speech := make([]bool, len(frames))
	for i, db := range frames {
		speech[i] = db > thresholdDB
	}
	return postProcess(speech, frameDur, audio.Duration(), params), nil
}

// adaptiveVAD derives its threshold from the utterance itself: the given
// percentile of the frame levels plus a margin. Useful when recording gain
// varies across the dataset.
func adaptiveVAD(_ context.Context, audio stack.Waveform, params stack.Params) (stack.SegmentSet, error) {
	frameMs := params.Float("frame_ms", 30)
	percentile := params.Float("percentile", 60)
	marginDB := params.Float("margin_db", 0)

	frames, frameDur := frameLevelsDB(audio, frameMs)
	if len(frames) == 0 {
		return nil, nil
	}

	sorted := append([]float64(nil), frames...)
	sort.Float64s(sorted)
	thresholdDB := stat.Quantile(percentile/100, stat.LinInterp, sorted, nil) + marginDB

	speech := make([]bool, len(frames))
	for i, db := range frames {
		speech[i] = db > thresholdDB
	}
	return postProcess(speech, frameDur, audio.Duration(), params), nil
}

// frameLevelsDB splits the waveform into non-overlapping frames of frameMs
// and returns each frame's RMS level in dBFS plus the frame duration.
func frameLevelsDB(audio stack.Waveform, frameMs float64) ([]float64, float64) {
	frameLen := int(float64(audio.SampleRate) * frameMs / 1000)
	if frameLen < 1 {
		frameLen = 1
	}
	frameDur := float64(frameLen) / float64(audio.SampleRate)

	var levels []float64
	for off := 0; off+frameLen <= len(audio.Samples); off += frameLen {
		var sum float64
		for _, s := range audio.Samples[off : off+frameLen] {
			sum += s * s
		}
		rms := math.Sqrt(sum / float64(frameLen))
		levels = append(levels, 20*math.Log10(rms+1e-10))
	}
	return levels, frameDur
}

// postProcess turns per-frame speech flags into segments: contiguous runs
// become segments, gaps shorter than merge_gap_ms are bridged, and
// segments shorter than min_speech_ms are dropped.
func postProcess(speech []bool, frameDur, duration float64, params stack.Params) stack.SegmentSet {
	minSpeech := params.Float("min_speech_ms", 90) / 1000
	mergeGap := params.Float("merge_gap_ms", 200) / 1000

	var raw stack.SegmentSet
	start := -1
	for i, s := range speech {
		switch {
		case s && start < 0:
			start = i
		case !s && start >= 0:
			raw = append(raw, stack.Segment{
				Start: float64(start) * frameDur,
				End:   float64(i) * frameDur,
			})
			start = -1
		}
	}
	if start >= 0 {
		end := float64(len(speech)) * frameDur
		if end > duration {
			end = duration
		}
		raw = append(raw, stack.Segment{Start: float64(start) * frameDur, End: end})
	}

	var merged stack.SegmentSet
	for _, seg := range raw {
		if n := len(merged); n > 0 && seg.Start-merged[n-1].End < mergeGap {
			merged[n-1].End = seg.End
			continue
		}
		merged = append(merged, seg)
	}

	var kept stack.SegmentSet
	for _, seg := range merged {
		if seg.Dur() >= minSpeech {
			kept = append(kept, seg)
		}
	}
	return kept
}
