// Package experiment drives complete ablation runs: one shared
// cross-validation partition over the dataset, every configured stack
// executed over every fold, and the per-fold records aggregated into a
// comparison table and summary.
package experiment

import (
	"context"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/pronlab/stackbench/internal/config"
	"github.com/pronlab/stackbench/internal/crossval"
	"github.com/pronlab/stackbench/internal/dataset"
	"github.com/pronlab/stackbench/internal/metrics"
	"github.com/pronlab/stackbench/internal/pipeline"
	"github.com/pronlab/stackbench/internal/results"
	"github.com/pronlab/stackbench/internal/stack"
)

// ScorePoint is one scored test utterance: the model's prediction paired
// with the external reference score.
type ScorePoint struct {
	UtteranceID string  `json:"utterance_id"`
	Predicted   float64 `json:"predicted"`
	Actual      float64 `json:"actual"`
}

// Result bundles everything one engine pass produces. Records feed the
// store, Scores feed the scatter report, Table and Summary are the
// user-facing output. RunID is set by the Runner once the run is stored.
type Result struct {
	RunID   string                   `json:"run_id,omitempty"`
	Table   *stack.ComparisonTable   `json:"table"`
	Summary *stack.Summary           `json:"summary"`
	Records []stack.EvaluationRecord `json:"records"`
	Scores  map[string][]ScorePoint  `json:"scores,omitempty"` // stack id -> scored test points
}

// Run executes the full experiment and returns the comparison table and
// summary. Callers that need the raw record stream or the per-utterance
// score pairs use Execute instead.
func Run(ctx context.Context, cfg *config.ExperimentConfig, ds *dataset.Dataset, reg *stack.CapabilityRegistry) (*stack.ComparisonTable, *stack.Summary, error) {
	res, err := Execute(ctx, cfg, ds, reg)
	if err != nil {
		return nil, nil, err
	}
	return res.Table, res.Summary, nil
}

// Execute partitions the dataset once, runs every stack over every fold
// and aggregates the records. It mutates none of its inputs; persistence
// and rendering hang off the returned Result. Per-utterance stage
// failures are logged and excluded from the fold aggregates; the run
// stops early only on a configuration problem or context cancellation,
// checked at stack and fold boundaries.
func Execute(ctx context.Context, cfg *config.ExperimentConfig, ds *dataset.Dataset, reg *stack.CapabilityRegistry) (*Result, error) {
	start := time.Now()

	cv, err := crossval.New(cfg.Global.CVFolds, cfg.Execution.GetSeed())
	if err != nil {
		return nil, err
	}
	folds, err := cv.Partition(ds.IDs())
	if err != nil {
		return nil, err
	}

	// Resolve every stack before touching any utterance so configuration
	// problems abort with nothing partially computed.
	exec := pipeline.NewExecutor(reg, cfg.Global, cfg.Execution.GetWorkers(), cfg.Execution.GetAlignTimeout())
	plans := make([]*pipeline.Plan, 0, len(cfg.Stacks))
	for _, def := range cfg.Stacks {
		p, err := exec.Plan(def)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}

	g := &engine{
		meter: metrics.New(0, cfg.Evaluation.ScoreThresholds),
		agg:   results.New(cfg.Execution.GetDegradedThreshold()),
		plan:  cfg.Evaluation,
		byID:  ds.ByID(),
	}

	var records []stack.EvaluationRecord
	health := make(map[string][]stack.FoldHealth, len(plans))
	scores := make(map[string][]ScorePoint)
	anyScoring := false

	for si, p := range plans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def := p.Def()
		if p.ScoringActive() {
			anyScoring = true
		}
		for fi, fold := range folds {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			log.Printf("[run] stack %d/%d %q fold %d/%d: %d train, %d test",
				si+1, len(plans), def.ID, fi+1, len(folds), len(fold.TrainIDs), len(fold.TestIDs))

			foldRecords, h, points, err := g.stackFold(ctx, p, fold)
			if err != nil {
				return nil, err
			}
			records = append(records, foldRecords...)
			health[def.ID] = append(health[def.ID], h)
			if len(points) > 0 {
				scores[def.ID] = append(scores[def.ID], points...)
			}
		}
	}

	// Scoring columns exist only when at least one stack fits a model;
	// stacks with a null scoring stage never emit scoring records.
	metricOrder := append([]string(nil), cfg.Evaluation.SegmentationMetrics...)
	if anyScoring {
		metricOrder = append(metricOrder, cfg.Evaluation.ScoringMetrics...)
	}
	stackOrder := make([]string, 0, len(plans))
	for _, p := range plans {
		stackOrder = append(stackOrder, p.Def().ID)
	}

	table := g.agg.Table(stackOrder, metricOrder, records)
	summary := g.agg.Summarize(table, health, time.Since(start).Seconds())

	return &Result{Table: table, Summary: summary, Records: records, Scores: scores}, nil
}

// engine carries the pieces shared by every stack/fold pass.
type engine struct {
	meter *metrics.Engine
	agg   *results.Aggregator
	plan  config.EvaluationPlan
	byID  map[string]stack.Utterance
}

// stackFold runs one stack over one fold: the non-training pass over the
// held-out test utterances, the training pass and model fit when scoring
// is active, then the per-fold metric records.
func (g *engine) stackFold(ctx context.Context, p *pipeline.Plan, fold stack.Fold) ([]stack.EvaluationRecord, stack.FoldHealth, []ScorePoint, error) {
	def := p.Def()

	testOut, failures := p.RunBatch(ctx, g.utterances(fold.TestIDs))
	if err := ctx.Err(); err != nil {
		return nil, stack.FoldHealth{}, nil, err
	}
	for _, f := range failures {
		log.Printf("[run] stack %q fold %d: excluded: %v", def.ID, fold.Index, f)
	}

	scoringFailed := false
	if p.ScoringActive() {
		trainOut, trainFailures := p.RunBatch(ctx, g.utterances(fold.TrainIDs))
		if err := ctx.Err(); err != nil {
			return nil, stack.FoldHealth{}, nil, err
		}
		for _, f := range trainFailures {
			log.Printf("[run] stack %q fold %d: train example lost: %v", def.ID, fold.Index, f)
		}
		if _, err := p.ScoreFold(ctx, trainOut, g.label, testOut); err != nil {
			// A degenerate fit is data-dependent, not fatal: the fold
			// simply contributes no scoring records and the reduced
			// effective fold count discloses it.
			log.Printf("[run] stack %q fold %d: scoring failed: %v", def.ID, fold.Index, err)
			scoringFailed = true
		}
	}

	records := g.segmentationRecords(def.ID, fold, testOut)
	var points []ScorePoint
	if p.ScoringActive() && !scoringFailed {
		scoringRecords, pts := g.scoringRecords(def.ID, fold, testOut)
		records = append(records, scoringRecords...)
		points = pts
	}

	health := g.agg.FoldHealth(fold.Index, len(fold.TestIDs), len(failures))
	return records, health, points, nil
}

// segmentationRecords computes each requested segmentation metric per
// test utterance and collapses them to one record per metric. NaN values
// from degenerate utterances drop out of the mean; the record's sample
// size says how many utterances actually contributed.
func (g *engine) segmentationRecords(stackID string, fold stack.Fold, outputs map[string]stack.PipelineOutput) []stack.EvaluationRecord {
	records := make([]stack.EvaluationRecord, 0, len(g.plan.SegmentationMetrics))
	for _, name := range g.plan.SegmentationMetrics {
		var values []float64
		for _, id := range fold.TestIDs {
			out, ok := outputs[id]
			if !ok {
				continue
			}
			utt := g.byID[id]
			v, err := g.meter.Segmentation(name, out.Segments, utt.Reference, utt.Duration(), out.Alignment.Quality)
			if err != nil {
				log.Printf("[run] stack %q fold %d: %s on %s: %v", stackID, fold.Index, name, id, err)
				continue
			}
			if math.IsNaN(v) {
				continue
			}
			values = append(values, v)
		}
		rec := stack.EvaluationRecord{StackID: stackID, Fold: fold.Index, Metric: name, SampleSize: len(values)}
		if len(values) == 0 {
			rec.Value = math.NaN()
		} else {
			rec.Value = stat.Mean(values, nil)
		}
		records = append(records, rec)
	}
	return records
}

// scoringRecords pairs each predicted test utterance with its external
// reference score and computes the fold-level scoring metrics over the
// paired vectors. Utterances without a prediction or without a reference
// score stay out of the pairing; the sample size discloses the reduction.
func (g *engine) scoringRecords(stackID string, fold stack.Fold, outputs map[string]stack.PipelineOutput) ([]stack.EvaluationRecord, []ScorePoint) {
	var predicted, actual []float64
	var points []ScorePoint
	for _, id := range fold.TestIDs {
		out, ok := outputs[id]
		if !ok || out.Predicted == nil {
			continue
		}
		utt := g.byID[id]
		if utt.Score == nil {
			continue
		}
		predicted = append(predicted, *out.Predicted)
		actual = append(actual, *utt.Score)
		points = append(points, ScorePoint{UtteranceID: id, Predicted: *out.Predicted, Actual: *utt.Score})
	}

	records := make([]stack.EvaluationRecord, 0, len(g.plan.ScoringMetrics))
	for _, name := range g.plan.ScoringMetrics {
		v, err := g.meter.Scoring(name, predicted, actual)
		if err != nil {
			log.Printf("[run] stack %q fold %d: %s: %v", stackID, fold.Index, name, err)
			continue
		}
		records = append(records, stack.EvaluationRecord{
			StackID: stackID, Fold: fold.Index, Metric: name, Value: v, SampleSize: len(predicted),
		})
	}
	return records, points
}

// utterances resolves fold ids back to dataset utterances, preserving
// fold order.
func (g *engine) utterances(ids []string) []stack.Utterance {
	utts := make([]stack.Utterance, 0, len(ids))
	for _, id := range ids {
		if u, ok := g.byID[id]; ok {
			utts = append(utts, u)
		}
	}
	return utts
}

// label is the training-label lookup handed to ScoreFold.
func (g *engine) label(id string) *float64 {
	if u, ok := g.byID[id]; ok {
		return u.Score
	}
	return nil
}
