// Package stack defines the core data model for ablation experiments:
// stack definitions, utterances, segment sets, feature matrices, fold
// partitions, evaluation records, and the capability registry that stage
// implementations plug into.
package stack

import (
	"fmt"
	"sort"
)

// GlobalParams holds experiment-wide acoustic and path settings shared by
// every stack in a run. Values are fixed at load time and never mutated.
type GlobalParams struct {
	SampleRate          int     `yaml:"sampling_rate" json:"sampling_rate"`
	BitDepth            int     `yaml:"bit_depth" json:"bit_depth"`
	WindowSize          float64 `yaml:"window_size" json:"window_size"` // seconds
	HopLength           float64 `yaml:"hop_length" json:"hop_length"`   // seconds
	Preemphasis         float64 `yaml:"preemphasis" json:"preemphasis"`
	DataPath            string  `yaml:"data_path" json:"data_path"`
	OutputPath          string  `yaml:"output_path" json:"output_path"`
	ExternalResultsPath string  `yaml:"external_results_path" json:"external_results_path"`
	CVFolds             int     `yaml:"cv_folds" json:"cv_folds"`
}

// Params carries per-method configuration values as decoded from the
// experiment document. Scalars only; getters coerce YAML's int/float
// ambiguity.
type Params map[string]any

// Float returns the named parameter as a float64, or def when absent.
func (p Params) Float(key string, def float64) float64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

// Int returns the named parameter as an int, or def when absent.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// Bool returns the named parameter as a bool, or def when absent.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// String returns the named parameter as a string, or def when absent.
func (p Params) String(key string, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// MethodSpec selects one registered method plus its parameters. An empty
// Method means the stage is disabled where the stage rules permit that.
type MethodSpec struct {
	Method string `json:"method"`
	Params Params `json:"params,omitempty"`
}

// Null reports whether the method spec disables its stage.
func (m MethodSpec) Null() bool { return m.Method == "" }

// StackDefinition is one named pipeline configuration. Immutable after
// loading; stack IDs are unique within a run.
type StackDefinition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	VAD         MethodSpec   `json:"vad"`                 // arity 0 or 1
	Features    []MethodSpec `json:"features,omitempty"`  // arity 0..N, ordered
	Alignment   []MethodSpec `json:"alignment"`           // arity 1..N, ordered, none null
	Scoring     MethodSpec   `json:"scoring"`             // arity 0 or 1
}

// Waveform is mono audio as float samples in [-1, 1].
type Waveform struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the waveform length in seconds.
func (w Waveform) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Utterance is one dataset item: audio plus its ground truth. Loaded once
// per run and shared read-only across every stack and fold.
type Utterance struct {
	ID        string
	Audio     Waveform
	Teacher   *Waveform  // optional reference recording
	Reference SegmentSet // human-aligned speech segments
	Score     *float64   // external ground-truth score, when available
}

// Duration returns the utterance length in seconds.
func (u *Utterance) Duration() float64 { return u.Audio.Duration() }

// Segment is one (start, end) speech interval in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Dur returns the segment length in seconds.
func (s Segment) Dur() float64 { return s.End - s.Start }

// SegmentSet is an ordered sequence of non-overlapping segments with
// strictly increasing start times.
type SegmentSet []Segment

// FullSpan returns the single segment covering an entire utterance.
func FullSpan(duration float64) SegmentSet {
	return SegmentSet{{Start: 0, End: duration}}
}

// Validate checks the segment-set invariant against an utterance duration:
// 0 <= start < end <= duration, starts strictly increasing, no overlap.
func (ss SegmentSet) Validate(duration float64) error {
	for i, s := range ss {
		if s.Start < 0 || s.End > duration+1e-9 {
			return fmt.Errorf("segment %d (%.3f, %.3f) outside [0, %.3f]", i, s.Start, s.End, duration)
		}
		if s.Start >= s.End {
			return fmt.Errorf("segment %d (%.3f, %.3f) has non-positive length", i, s.Start, s.End)
		}
		if i > 0 {
			prev := ss[i-1]
			if s.Start <= prev.Start {
				return fmt.Errorf("segment %d start %.3f not after segment %d start %.3f", i, s.Start, i-1, prev.Start)
			}
			if s.Start < prev.End {
				return fmt.Errorf("segment %d (%.3f, %.3f) overlaps segment %d (%.3f, %.3f)",
					i, s.Start, s.End, i-1, prev.Start, prev.End)
			}
		}
	}
	return nil
}

// TotalDuration returns the summed length of all segments.
func (ss SegmentSet) TotalDuration() float64 {
	var total float64
	for _, s := range ss {
		total += s.Dur()
	}
	return total
}

// Durations returns the per-segment lengths in order.
func (ss SegmentSet) Durations() []float64 {
	out := make([]float64, len(ss))
	for i, s := range ss {
		out[i] = s.Dur()
	}
	return out
}

// Boundaries returns every start and end time as one ascending list.
func (ss SegmentSet) Boundaries() []float64 {
	out := make([]float64, 0, 2*len(ss))
	for _, s := range ss {
		out = append(out, s.Start, s.End)
	}
	sort.Float64s(out)
	return out
}

// Clone returns an independent copy of the segment set.
func (ss SegmentSet) Clone() SegmentSet {
	out := make(SegmentSet, len(ss))
	copy(out, ss)
	return out
}

// FeatureMatrix holds one fixed-dimension feature vector per segment.
// Dim is the vector width; for column-wise concatenations it is the sum of
// the constituent extractor dimensions in declared order.
type FeatureMatrix struct {
	Rows [][]float64
	Dim  int
}

// NumRows returns the row (segment) count.
func (f FeatureMatrix) NumRows() int { return len(f.Rows) }

// Empty reports whether the matrix carries no features at all.
func (f FeatureMatrix) Empty() bool { return len(f.Rows) == 0 && f.Dim == 0 }

// MeanVector collapses the matrix to a single Dim-wide vector by averaging
// each column over all rows. Returns nil for an empty matrix.
func (f FeatureMatrix) MeanVector() []float64 {
	if len(f.Rows) == 0 || f.Dim == 0 {
		return nil
	}
	out := make([]float64, f.Dim)
	for _, row := range f.Rows {
		for j := 0; j < f.Dim && j < len(row); j++ {
			out[j] += row[j]
		}
	}
	n := float64(len(f.Rows))
	for j := range out {
		out[j] /= n
	}
	return out
}

// AlignmentStep records one aligner's output inside a refinement chain.
type AlignmentStep struct {
	Method   string     `json:"method"`
	Segments SegmentSet `json:"segments"`
	Quality  *float64   `json:"quality,omitempty"`
}

// AlignmentResult is the outcome of the alignment stage: the final refined
// segment set, an optional quality score (e.g. warp cost), and every
// intermediate step retained for diagnostics. Only Segments and Quality
// feed downstream metrics; Steps are never double-counted.
type AlignmentResult struct {
	Segments SegmentSet      `json:"segments"`
	Quality  *float64        `json:"quality,omitempty"`
	Steps    []AlignmentStep `json:"steps,omitempty"`
}

// Reference bundles the ground-truth inputs an aligner may consult.
type Reference struct {
	Segments SegmentSet
	Teacher  *Waveform
}

// PipelineOutput is the result of running one stack over one utterance.
type PipelineOutput struct {
	UtteranceID string          `json:"utterance_id"`
	Segments    SegmentSet      `json:"segments"`
	Features    FeatureMatrix   `json:"-"`
	Alignment   AlignmentResult `json:"alignment"`
	Predicted   *float64        `json:"predicted,omitempty"`
}

// Fold is one train/test split of the shared cross-validation partition.
type Fold struct {
	Index    int      `json:"index"`
	TrainIDs []string `json:"train_ids"`
	TestIDs  []string `json:"test_ids"`
}

// EvaluationRecord is one (stack, fold, metric) observation together with
// the effective sample size it was computed over. Append-only during a run.
type EvaluationRecord struct {
	StackID    string  `json:"stack_id"`
	Fold       int     `json:"fold"`
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	SampleSize int     `json:"sample_size"`
}

// Cell is one aggregated table entry: mean and sample standard deviation
// over the per-fold values, plus the effective fold count contributing.
type Cell struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Folds int     `json:"folds"`
}

// ComparisonTable is the cross-stack result grid: one row per stack, one
// column per metric, each cell an aggregate over folds.
type ComparisonTable struct {
	Stacks  []string                   `json:"stacks"`
	Metrics []string                   `json:"metrics"`
	Cells   map[string]map[string]Cell `json:"cells"`
}

// Cell returns the aggregate for a (stack, metric) pair.
func (t *ComparisonTable) Cell(stackID, metric string) (Cell, bool) {
	row, ok := t.Cells[stackID]
	if !ok {
		return Cell{}, false
	}
	c, ok := row[metric]
	return c, ok
}

// HasMetric reports whether any stack produced the named metric.
func (t *ComparisonTable) HasMetric(metric string) bool {
	for _, m := range t.Metrics {
		if m == metric {
			return true
		}
	}
	return false
}

// FoldHealth summarises per-utterance failure handling for one stack/fold.
type FoldHealth struct {
	Fold          int     `json:"fold"`
	Utterances    int     `json:"utterances"`
	Excluded      int     `json:"excluded"`
	ExclusionRate float64 `json:"exclusion_rate"`
	Degraded      bool    `json:"degraded"`
}

// StackSummary aggregates one stack's results across all folds.
type StackSummary struct {
	Averages map[string]Cell `json:"averages"`
	Folds    []FoldHealth    `json:"folds"`
	Degraded bool            `json:"degraded"`
}

// Summary is the nested run digest returned alongside the comparison table.
type Summary struct {
	Stacks       map[string]*StackSummary `json:"stacks"`
	BestStack    string                   `json:"best_stack,omitempty"`
	SuccessRate  float64                  `json:"success_rate"`
	DurationSecs float64                  `json:"duration_secs"`
}
