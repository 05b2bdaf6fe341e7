package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pronlab/stackbench/internal/config"
	"github.com/pronlab/stackbench/internal/dataset"
	"github.com/pronlab/stackbench/internal/db"
	"github.com/pronlab/stackbench/internal/stack"
	"github.com/pronlab/stackbench/internal/timeutil"
)

// Runner couples the engine to the persistence layer: each call inserts a
// run row, executes every stack, stores the records and aggregates, then
// marks the row completed or failed.
type Runner struct {
	store  *db.RunStore
	clock  timeutil.Clock
	logger *log.Logger
}

// RunnerConfig contains configuration for Runner.
type RunnerConfig struct {
	// Store persists runs, records and comparison cells; nil runs the
	// engine without touching a database.
	Store *db.RunStore
	// Clock is optional; if nil, uses RealClock.
	Clock timeutil.Clock
	// Logger is optional; if nil, uses log.Default().
	Logger *log.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{store: cfg.Store, clock: clock, logger: logger}
}

// Run executes the experiment and persists the outcome. configPath is
// recorded on the run row for provenance. An engine failure marks the row
// failed with the error message; the Result of a stored run carries the
// run id.
func (r *Runner) Run(ctx context.Context, cfg *config.ExperimentConfig, configPath string, ds *dataset.Dataset, reg *stack.CapabilityRegistry) (*Result, error) {
	var run *db.Run
	if r.store != nil {
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshal experiment config: %w", err)
		}
		run = &db.Run{
			ConfigPath:     configPath,
			ConfigJSON:     cfgJSON,
			StartedAt:      r.clock.Now().UnixNano(),
			StackCount:     len(cfg.Stacks),
			UtteranceCount: ds.Len(),
		}
		if err := r.store.InsertRun(run); err != nil {
			return nil, fmt.Errorf("insert run: %w", err)
		}
		r.logger.Printf("[run] started run %s: %d stacks, %d utterances, %d folds",
			run.RunID, len(cfg.Stacks), ds.Len(), cfg.Global.CVFolds)
	}

	res, err := Execute(ctx, cfg, ds, reg)
	if err != nil {
		r.failRun(run, err)
		return nil, err
	}

	if run != nil {
		if err := r.persist(run.RunID, cfg, ds, res); err != nil {
			r.failRun(run, err)
			return nil, err
		}
		res.RunID = run.RunID
		r.logger.Printf("[run] completed run %s: %d records in %.2fs",
			run.RunID, len(res.Records), res.Summary.DurationSecs)
	} else {
		r.logger.Printf("[run] completed: %d records in %.2fs",
			len(res.Records), res.Summary.DurationSecs)
	}
	return res, nil
}

// persist stores the record stream and the aggregated table, then closes
// out the run row.
func (r *Runner) persist(runID string, cfg *config.ExperimentConfig, ds *dataset.Dataset, res *Result) error {
	if err := r.store.InsertEvaluationRecords(runID, res.Records); err != nil {
		return fmt.Errorf("store evaluation records: %w", err)
	}
	if err := r.store.InsertComparisonCells(runID, res.Table); err != nil {
		return fmt.Errorf("store comparison cells: %w", err)
	}
	if err := r.store.CompleteRun(runID, len(cfg.Stacks), ds.Len()); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// failRun marks the row failed, when there is one.
func (r *Runner) failRun(run *db.Run, cause error) {
	if run == nil {
		return
	}
	if err := r.store.UpdateRunStatus(run.RunID, db.RunStatusFailed, cause.Error()); err != nil {
		r.logger.Printf("[run] cannot mark run %s failed: %v", run.RunID, err)
	}
	r.logger.Printf("[run] failed run %s: %v", run.RunID, cause)
}
