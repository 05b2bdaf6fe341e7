// Package pipeline executes one stack over utterances: VAD, feature
// extraction, alignment refinement, and fold-level scoring. Stage arity
// follows the stack definition: a disabled VAD passes the full utterance
// through as a single segment, feature extractors concatenate column-wise
// in declared order, and alignment methods chain, each refining the
// previous output. Per-utterance failures are returned, not fatal; the
// caller records and excludes them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pronlab/stackbench/internal/stack"
)

// Executor binds registry lookups and execution settings. One executor
// serves every stack in a run.
type Executor struct {
	reg          *stack.CapabilityRegistry
	global       stack.GlobalParams
	workers      int
	alignTimeout time.Duration
}

// NewExecutor returns an executor using the given worker pool size for
// batches and timeout for alignment stages.
func NewExecutor(reg *stack.CapabilityRegistry, global stack.GlobalParams, workers int, alignTimeout time.Duration) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{reg: reg, global: global, workers: workers, alignTimeout: alignTimeout}
}

// Plan resolves every method named by the definition against the registry.
// Resolution failures are configuration-time errors: they happen here,
// before any utterance is touched.
func (e *Executor) Plan(def stack.StackDefinition) (*Plan, error) {
	p := &Plan{
		def:          def,
		global:       e.global,
		workers:      e.workers,
		alignTimeout: e.alignTimeout,
	}

	if !def.VAD.Null() {
		d, err := e.reg.VAD(def.VAD.Method)
		if err != nil {
			return nil, err
		}
		p.detector = d
	}
	for _, spec := range def.Features {
		x, err := e.reg.Feature(spec.Method)
		if err != nil {
			return nil, err
		}
		p.extractors = append(p.extractors, boundStage[stack.Extractor]{impl: x, spec: spec})
	}
	if len(def.Alignment) == 0 {
		return nil, &stack.PipelineConfigError{Stack: def.ID, Detail: "alignment requires at least one method"}
	}
	for _, spec := range def.Alignment {
		a, err := e.reg.Alignment(spec.Method)
		if err != nil {
			return nil, err
		}
		p.aligners = append(p.aligners, boundStage[stack.Aligner]{impl: a, spec: spec})
	}
	if !def.Scoring.Null() {
		if len(def.Features) == 0 {
			return nil, &stack.PipelineConfigError{Stack: def.ID, Detail: "scoring is active but no feature extractors are configured"}
		}
		s, err := e.reg.Scoring(def.Scoring.Method)
		if err != nil {
			return nil, err
		}
		p.scorer = s
	}

	return p, nil
}

type boundStage[T any] struct {
	impl T
	spec stack.MethodSpec
}

// Plan is a stack definition with every method resolved, ready to run
// utterances. Plans are read-only and safe for concurrent use.
type Plan struct {
	def          stack.StackDefinition
	global       stack.GlobalParams
	workers      int
	alignTimeout time.Duration

	detector   stack.Detector
	extractors []boundStage[stack.Extractor]
	aligners   []boundStage[stack.Aligner]
	scorer     stack.Scorer
}

// Def returns the definition this plan was built from.
func (p *Plan) Def() stack.StackDefinition { return p.def }

// ScoringActive reports whether the plan fits and applies a scoring model.
func (p *Plan) ScoringActive() bool { return p.scorer != nil }

// StageFailure wraps an error from one stage of one utterance's run.
type StageFailure struct {
	UtteranceID string
	Stage       stack.StageKind
	Err         error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("%s stage failed for utterance %s: %v", e.Stage, e.UtteranceID, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// RunUtterance executes the plan's stages over a single utterance. Any
// error is a *StageFailure naming the stage that produced it.
func (p *Plan) RunUtterance(ctx context.Context, utt stack.Utterance) (stack.PipelineOutput, error) {
	out := stack.PipelineOutput{UtteranceID: utt.ID}
	if err := ctx.Err(); err != nil {
		return out, &StageFailure{UtteranceID: utt.ID, Stage: stack.StageVAD, Err: err}
	}
	duration := utt.Duration()

	// VAD: disabled means the whole utterance is one speech segment.
	var segments stack.SegmentSet
	if p.detector == nil {
		segments = stack.FullSpan(duration)
	} else {
		detected, err := p.detector.Detect(ctx, utt.Audio, p.vadParams())
		if err != nil {
			return out, &StageFailure{UtteranceID: utt.ID, Stage: stack.StageVAD, Err: err}
		}
		if err := detected.Validate(duration); err != nil {
			return out, &StageFailure{UtteranceID: utt.ID, Stage: stack.StageVAD, Err: err}
		}
		segments = detected
	}

	// Features: concatenate per-extractor matrices column-wise. Every
	// extractor must produce exactly one row per segment.
	features, err := p.extractFeatures(ctx, utt, segments)
	if err != nil {
		return out, &StageFailure{UtteranceID: utt.ID, Stage: stack.StageFeature, Err: err}
	}

	// Alignment: sequential refinement; each step consumes the previous
	// step's segments and all intermediates are retained.
	alignment, err := p.alignChain(ctx, utt, segments, features, duration)
	if err != nil {
		return out, &StageFailure{UtteranceID: utt.ID, Stage: stack.StageAlignment, Err: err}
	}

	out.Segments = alignment.Segments
	out.Features = features
	out.Alignment = alignment
	return out, nil
}

// vadParams merges the acoustic globals the detectors need under the
// method's own parameters.
func (p *Plan) vadParams() stack.Params {
	merged := stack.Params{
		"sample_rate": p.global.SampleRate,
	}
	for k, v := range p.def.VAD.Params {
		merged[k] = v
	}
	return merged
}

func (p *Plan) featureParams(spec stack.MethodSpec) stack.Params {
	merged := stack.Params{
		"sample_rate": p.global.SampleRate,
		"window_size": p.global.WindowSize,
		"hop_length":  p.global.HopLength,
		"preemphasis": p.global.Preemphasis,
	}
	for k, v := range spec.Params {
		merged[k] = v
	}
	return merged
}

func (p *Plan) extractFeatures(ctx context.Context, utt stack.Utterance, segments stack.SegmentSet) (stack.FeatureMatrix, error) {
	if len(p.extractors) == 0 {
		return stack.FeatureMatrix{}, nil
	}

	parts := make([]stack.FeatureMatrix, 0, len(p.extractors))
	dim := 0
	for _, bx := range p.extractors {
		m, err := bx.impl.Extract(ctx, utt.Audio, segments, p.featureParams(bx.spec))
		if err != nil {
			return stack.FeatureMatrix{}, fmt.Errorf("%s: %w", bx.spec.Method, err)
		}
		if m.NumRows() != len(segments) {
			return stack.FeatureMatrix{}, &stack.FeatureAlignmentError{
				Method: bx.spec.Method,
				Got:    m.NumRows(),
				Want:   len(segments),
			}
		}
		parts = append(parts, m)
		dim += m.Dim
	}

	rows := make([][]float64, len(segments))
	for i := range rows {
		row := make([]float64, 0, dim)
		for _, part := range parts {
			row = append(row, part.Rows[i]...)
		}
		rows[i] = row
	}
	return stack.FeatureMatrix{Rows: rows, Dim: dim}, nil
}

func (p *Plan) alignChain(ctx context.Context, utt stack.Utterance, segments stack.SegmentSet, features stack.FeatureMatrix, duration float64) (stack.AlignmentResult, error) {
	ref := stack.Reference{Segments: utt.Reference, Teacher: utt.Teacher}
	current := segments
	result := stack.AlignmentResult{Segments: current}

	for _, ba := range p.aligners {
		stepResult, err := p.runAligner(ctx, ba, current, features, ref)
		if err != nil {
			return stack.AlignmentResult{}, p.classifyAlignError(ba.spec.Method, utt.ID, err)
		}
		if err := stepResult.Segments.Validate(duration); err != nil {
			return stack.AlignmentResult{}, fmt.Errorf("%s produced invalid segments: %w", ba.spec.Method, err)
		}
		result.Steps = append(result.Steps, stack.AlignmentStep{
			Method:   ba.spec.Method,
			Segments: stepResult.Segments,
			Quality:  stepResult.Quality,
		})
		result.Segments = stepResult.Segments
		result.Quality = stepResult.Quality
		current = stepResult.Segments
	}

	return result, nil
}

// classifyAlignError normalizes alignment failures into their typed,
// utterance-scoped forms. Aligners cannot see the utterance id or the
// configured timeout, so both are filled in here; a bare deadline error
// from the step context becomes an AlignmentTimeoutError.
func (p *Plan) classifyAlignError(method, uttID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &stack.AlignmentTimeoutError{Utterance: uttID, Method: method, Timeout: p.alignTimeout}
	}
	var timeout *stack.AlignmentTimeoutError
	if errors.As(err, &timeout) {
		if timeout.Utterance == "" {
			timeout.Utterance = uttID
		}
		if timeout.Timeout == 0 {
			timeout.Timeout = p.alignTimeout
		}
		return err
	}
	var tool *stack.ExternalToolError
	if errors.As(err, &tool) {
		if tool.Utterance == "" {
			tool.Utterance = uttID
		}
		return err
	}
	return fmt.Errorf("%s: %w", method, err)
}

// runAligner wraps one alignment step in its own timeout context, detached
// from the caller's cancellation so an in-flight utterance runs to
// completion bounded only by the timeout.
func (p *Plan) runAligner(ctx context.Context, ba boundStage[stack.Aligner], current stack.SegmentSet, features stack.FeatureMatrix, ref stack.Reference) (stack.AlignmentResult, error) {
	alignCtx := ctx
	if p.alignTimeout > 0 {
		var cancel context.CancelFunc
		alignCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.alignTimeout)
		defer cancel()
	}
	return ba.impl.Align(alignCtx, current, features, ref, ba.spec.Params)
}

// RunBatch fans the utterances across the worker pool and merges results
// by utterance id, so the outcome is independent of completion order. After
// cancellation workers stop pulling new utterances; in-flight ones finish.
// Failures come back sorted by utterance id.
func (p *Plan) RunBatch(ctx context.Context, utts []stack.Utterance) (map[string]stack.PipelineOutput, []*StageFailure) {
	type result struct {
		out  stack.PipelineOutput
		fail *StageFailure
	}

	jobs := make(chan stack.Utterance)
	results := make(chan result)

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for utt := range jobs {
				out, err := p.RunUtterance(ctx, utt)
				if err != nil {
					var sf *StageFailure
					if f, ok := err.(*StageFailure); ok {
						sf = f
					} else {
						sf = &StageFailure{UtteranceID: utt.ID, Stage: stack.StageVAD, Err: err}
					}
					results <- result{fail: sf}
					continue
				}
				results <- result{out: out}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, utt := range utts {
			select {
			case jobs <- utt:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	outputs := make(map[string]stack.PipelineOutput, len(utts))
	var failures []*StageFailure
	for r := range results {
		if r.fail != nil {
			failures = append(failures, r.fail)
			continue
		}
		outputs[r.out.UtteranceID] = r.out
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].UtteranceID < failures[j].UtteranceID })

	return outputs, failures
}

// ScoreFold fits the scoring model on the training outputs and writes a
// prediction into every test output that produced features. label returns
// the external reference score for a training utterance, nil when
// unavailable; unlabeled or featureless utterances are left out of the fit.
// Returns the number of training examples actually used. The test map is
// updated in place.
func (p *Plan) ScoreFold(ctx context.Context, train map[string]stack.PipelineOutput, label func(id string) *float64, test map[string]stack.PipelineOutput) (int, error) {
	if p.scorer == nil {
		return 0, nil
	}

	ids := sortedKeys(train)
	var feats [][]float64
	var labels []float64
	for _, id := range ids {
		out := train[id]
		if out.Features.NumRows() == 0 {
			continue
		}
		l := label(id)
		if l == nil {
			continue
		}
		feats = append(feats, out.Features.MeanVector())
		labels = append(labels, *l)
	}
	if len(feats) == 0 {
		return 0, nil
	}

	model, err := p.scorer.Fit(ctx, feats, labels, p.def.Scoring.Params)
	if err != nil {
		return 0, fmt.Errorf("fit %s scorer: %w", p.def.Scoring.Method, err)
	}

	for _, id := range sortedKeys(test) {
		out := test[id]
		if out.Features.NumRows() == 0 {
			continue
		}
		pred, err := model.Predict(out.Features.MeanVector())
		if err != nil {
			return len(feats), fmt.Errorf("predict %s for utterance %s: %w", p.def.Scoring.Method, id, err)
		}
		v := pred
		out.Predicted = &v
		test[id] = out
	}

	return len(feats), nil
}

func sortedKeys(m map[string]stack.PipelineOutput) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
