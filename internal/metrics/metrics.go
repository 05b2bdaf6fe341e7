// Package metrics computes segmentation and scoring quality measures.
// Per-utterance segmentation metrics compare a system segment set against
// the reference; scoring metrics compare prediction vectors against
// reference scores across a fold. Degenerate inputs (empty sets, zero
// variance, zero reference silence) yield NaN rather than an error so the
// aggregator can skip them while keeping the run alive; genuine shape
// mismatches are MetricInputError.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/pronlab/stackbench/internal/dtw"
	"github.com/pronlab/stackbench/internal/stack"
)

// Segmentation metric names understood by the engine.
const (
	MetricRMSE              = "rmse"
	MetricDTWDistance       = "dtw_distance"
	MetricLengthBias        = "segment_length_bias"
	MetricFeatureRetention  = "feature_retention_rate"
	MetricSilenceFalseAlarm = "silence_false_alarm_rate"
)

// Scoring metric names understood by the engine.
const (
	MetricPearson     = "pearson_correlation"
	MetricSpearman    = "spearman_correlation"
	MetricMAE         = "mae"
	MetricScoringBias = "scoring_bias"
	MetricR2          = "r2"
	MetricConsistency = "classification_consistency"
)

// Engine evaluates metrics under a fixed DTW band ratio and score-band
// thresholds. Both come from the experiment document.
type Engine struct {
	windowRatio float64
	thresholds  map[string]float64
}

// New returns an engine. thresholds may be nil when
// classification_consistency is not requested.
func New(windowRatio float64, thresholds map[string]float64) *Engine {
	if windowRatio <= 0 {
		windowRatio = 0.1
	}
	return &Engine{windowRatio: windowRatio, thresholds: thresholds}
}

// Segmentation dispatches a per-utterance segmentation metric by name.
// attached carries a distance already computed by an aligner, reused for
// dtw_distance instead of recomputing the warp.
func (e *Engine) Segmentation(name string, system, reference stack.SegmentSet, duration float64, attached *float64) (float64, error) {
	switch name {
	case MetricRMSE:
		return BoundaryRMSE(system, reference), nil
	case MetricDTWDistance:
		return e.DTWDistance(system, reference, attached), nil
	case MetricLengthBias:
		return SegmentLengthBias(system, reference), nil
	case MetricFeatureRetention:
		return FeatureRetentionRate(system, reference), nil
	case MetricSilenceFalseAlarm:
		return SilenceFalseAlarmRate(system, reference, duration), nil
	default:
		return 0, &stack.MetricInputError{Metric: name, Detail: "unknown segmentation metric"}
	}
}

// Scoring dispatches a fold-level scoring metric by name over paired
// prediction and reference vectors.
func (e *Engine) Scoring(name string, predicted, actual []float64) (float64, error) {
	if len(predicted) != len(actual) {
		return 0, &stack.MetricInputError{
			Metric: name,
			Detail: "prediction and reference vectors differ in length",
		}
	}
	if len(predicted) == 0 {
		return math.NaN(), nil
	}
	switch name {
	case MetricPearson:
		return Pearson(predicted, actual), nil
	case MetricSpearman:
		return Spearman(predicted, actual), nil
	case MetricMAE:
		return MAE(predicted, actual), nil
	case MetricScoringBias:
		return ScoringBias(predicted, actual), nil
	case MetricR2:
		return R2(predicted, actual), nil
	case MetricConsistency:
		return e.ClassificationConsistency(predicted, actual)
	default:
		return 0, &stack.MetricInputError{Metric: name, Detail: "unknown scoring metric"}
	}
}

// BoundaryRMSE pairs the flattened, sorted boundary timestamps of both
// sets by index up to the shorter list and returns the root mean square
// difference. Either side empty yields NaN; excess boundaries are not
// penalized here.
func BoundaryRMSE(system, reference stack.SegmentSet) float64 {
	sys := system.Boundaries()
	ref := reference.Boundaries()
	n := len(sys)
	if len(ref) < n {
		n = len(ref)
	}
	if n == 0 {
		return math.NaN()
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := sys[i] - ref[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

// DTWDistance is the banded warp cost between the two segment-duration
// sequences. A distance attached by an aligner takes precedence.
func (e *Engine) DTWDistance(system, reference stack.SegmentSet, attached *float64) float64 {
	if attached != nil {
		return *attached
	}
	sys := system.Durations()
	ref := reference.Durations()
	if len(sys) == 0 || len(ref) == 0 {
		return math.NaN()
	}
	window := dtw.Window(len(sys), len(ref), e.windowRatio)
	res, err := dtw.Align(sys, ref, window, 0)
	if err != nil {
		return math.NaN()
	}
	return res.Cost
}

// SegmentLengthBias is the signed difference between the mean system and
// mean reference segment durations. Positive means the system over-segments
// long.
func SegmentLengthBias(system, reference stack.SegmentSet) float64 {
	if len(system) == 0 || len(reference) == 0 {
		return math.NaN()
	}
	return stat.Mean(system.Durations(), nil) - stat.Mean(reference.Durations(), nil)
}

// FeatureRetentionRate is the fraction of reference speech covered by
// system segments. NaN when the reference has no speech.
func FeatureRetentionRate(system, reference stack.SegmentSet) float64 {
	refSpeech := reference.TotalDuration()
	if refSpeech <= 0 {
		return math.NaN()
	}
	return overlapDuration(system, reference) / refSpeech
}

// SilenceFalseAlarmRate is the fraction of reference silence claimed as
// speech by the system. Silence is the complement of the reference within
// [0, duration]; zero silence yields NaN.
func SilenceFalseAlarmRate(system, reference stack.SegmentSet, duration float64) float64 {
	silence := duration - reference.TotalDuration()
	if silence <= 0 {
		return math.NaN()
	}
	falseAlarm := system.TotalDuration() - overlapDuration(system, reference)
	if falseAlarm < 0 {
		falseAlarm = 0
	}
	return falseAlarm / silence
}

// overlapDuration sums the intersection of two non-overlapping, ordered
// segment sets with a two-pointer sweep.
func overlapDuration(a, b stack.SegmentSet) float64 {
	var total float64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo := math.Max(a[i].Start, b[j].Start)
		hi := math.Min(a[i].End, b[j].End)
		if hi > lo {
			total += hi - lo
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return total
}

// Pearson is the sample correlation of the two vectors. Zero variance on
// either side yields NaN.
func Pearson(predicted, actual []float64) float64 {
	if len(predicted) < 2 || zeroVariance(predicted) || zeroVariance(actual) {
		return math.NaN()
	}
	return stat.Correlation(predicted, actual, nil)
}

// Spearman is Pearson over average-tie ranks.
func Spearman(predicted, actual []float64) float64 {
	if len(predicted) < 2 {
		return math.NaN()
	}
	return Pearson(ranks(predicted), ranks(actual))
}

// MAE is the mean absolute prediction error.
func MAE(predicted, actual []float64) float64 {
	var sum float64
	for i := range predicted {
		sum += math.Abs(predicted[i] - actual[i])
	}
	return sum / float64(len(predicted))
}

// ScoringBias is the mean signed prediction error. Positive means the
// system scores high.
func ScoringBias(predicted, actual []float64) float64 {
	var sum float64
	for i := range predicted {
		sum += predicted[i] - actual[i]
	}
	return sum / float64(len(predicted))
}

// R2 is the coefficient of determination of the predictions against the
// reference scores. A constant reference yields NaN; a constant prediction
// is well defined and at most zero.
func R2(predicted, actual []float64) float64 {
	if zeroVariance(actual) {
		return math.NaN()
	}
	return stat.RSquaredFrom(predicted, actual, nil)
}

// ClassificationConsistency bands both vectors through the score
// thresholds and returns the fraction of utterances assigned the same
// grade.
func (e *Engine) ClassificationConsistency(predicted, actual []float64) (float64, error) {
	if len(e.thresholds) == 0 {
		return 0, &stack.MetricInputError{
			Metric: MetricConsistency,
			Detail: "no score thresholds configured",
		}
	}
	agree := 0
	for i := range predicted {
		if e.Band(predicted[i]) == e.Band(actual[i]) {
			agree++
		}
	}
	return float64(agree) / float64(len(predicted)), nil
}

// Band maps a score to the grade with the highest lower bound not above
// it. Scores below every bound map to the empty grade. Ties on bounds
// resolve by grade name so banding stays deterministic.
func (e *Engine) Band(score float64) string {
	best := ""
	bestBound := math.Inf(-1)
	for name, bound := range e.thresholds {
		if score < bound {
			continue
		}
		if bound > bestBound || (bound == bestBound && name < best) {
			bestBound = bound
			best = name
		}
	}
	return best
}

// ranks assigns 1-based ranks with ties averaged.
func ranks(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return x[idx[i]] < x[idx[j]] })

	r := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			r[idx[k]] = avg
		}
		i = j + 1
	}
	return r
}

func zeroVariance(x []float64) bool {
	if len(x) == 0 {
		return true
	}
	first := x[0]
	for _, v := range x[1:] {
		if v != first {
			return false
		}
	}
	return true
}
