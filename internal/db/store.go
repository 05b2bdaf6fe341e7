package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pronlab/stackbench/internal/stack"
)

// Run statuses as stored in the runs table.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run represents a persisted experiment run: one invocation of the engine
// over a configured set of stacks.
type Run struct {
	RunID          string          `json:"run_id"`
	ConfigPath     string          `json:"config_path"`
	ConfigJSON     json.RawMessage `json:"config_json,omitempty"`
	StartedAt      int64           `json:"started_at"`
	FinishedAt     int64           `json:"finished_at,omitempty"`
	Status         string          `json:"status"`
	StackCount     int             `json:"stack_count"`
	UtteranceCount int             `json:"utterance_count"`
	Error          string          `json:"error,omitempty"`
}

// RunStore provides persistence for runs and their evaluation records and
// comparison cells.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// InsertRun persists a new run. If RunID is empty, a UUID is generated; if
// StartedAt is zero, the current time is used; if Status is empty, the run
// starts as running.
func (s *RunStore) InsertRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().UnixNano()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	var configStr interface{}
	if len(run.ConfigJSON) > 0 {
		configStr = string(run.ConfigJSON)
	}
	var finishedAt interface{}
	if run.FinishedAt != 0 {
		finishedAt = run.FinishedAt
	}
	var errStr interface{}
	if run.Error != "" {
		errStr = run.Error
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO runs (
				run_id, config_path, config_json, started_at, finished_at,
				status, stack_count, utterance_count, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.ConfigPath, configStr, run.StartedAt, finishedAt,
			run.Status, run.StackCount, run.UtteranceCount, errStr,
		)
		return err
	})
}

// CompleteRun marks a run as completed and records its final counts.
func (s *RunStore) CompleteRun(runID string, stackCount, utteranceCount int) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`
			UPDATE runs
			SET status = ?, finished_at = ?, stack_count = ?, utterance_count = ?
			WHERE run_id = ?`,
			RunStatusCompleted, time.Now().UnixNano(), stackCount, utteranceCount, runID,
		)
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		return requireAffected(result, runID)
	})
}

// UpdateRunStatus sets a run's status and error message. A terminal status
// also stamps finished_at.
func (s *RunStore) UpdateRunStatus(runID, status, errMsg string) error {
	var errStr interface{}
	if errMsg != "" {
		errStr = errMsg
	}
	var finishedAt interface{}
	if status == RunStatusCompleted || status == RunStatusFailed {
		finishedAt = time.Now().UnixNano()
	}

	return retryOnBusy(func() error {
		result, err := s.db.Exec(`
			UPDATE runs
			SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
			WHERE run_id = ?`,
			status, errStr, finishedAt, runID,
		)
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		return requireAffected(result, runID)
	})
}

// GetRun returns a single run by ID.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, config_path, config_json, started_at, finished_at,
		       status, stack_count, utterance_count, error
		FROM runs
		WHERE run_id = ?`, runID)

	run, err := scanRun(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, config_path, config_json, started_at, finished_at,
		       status, stack_count, utterance_count, error
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and, through the cascade, its records and cells.
func (s *RunStore) DeleteRun(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		return requireAffected(result, runID)
	})
}

// InsertEvaluationRecords persists a batch of per-fold observations for a
// run in one transaction. NaN values round-trip through NULL.
func (s *RunStore) InsertEvaluationRecords(runID string, records []stack.EvaluationRecord) error {
	if len(records) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin insert records: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO evaluation_records (
				run_id, stack_id, fold, metric, value, sample_size
			) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert records: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			var value interface{}
			if !math.IsNaN(rec.Value) {
				value = rec.Value
			}
			if _, err := stmt.Exec(runID, rec.StackID, rec.Fold, rec.Metric, value, rec.SampleSize); err != nil {
				return fmt.Errorf("insert record: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListEvaluationRecords returns all observations for a run in insertion
// order.
func (s *RunStore) ListEvaluationRecords(runID string) ([]stack.EvaluationRecord, error) {
	rows, err := s.db.Query(`
		SELECT stack_id, fold, metric, value, sample_size
		FROM evaluation_records
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []stack.EvaluationRecord
	for rows.Next() {
		var rec stack.EvaluationRecord
		var value sql.NullFloat64
		if err := rows.Scan(&rec.StackID, &rec.Fold, &rec.Metric, &value, &rec.SampleSize); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if value.Valid {
			rec.Value = value.Float64
		} else {
			rec.Value = math.NaN()
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertComparisonCells persists the aggregated table for a run. Every
// (stack, metric) cell is stored, including empty ones, so the full grid
// loads back.
func (s *RunStore) InsertComparisonCells(runID string, table *stack.ComparisonTable) error {
	if table == nil {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin insert cells: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO comparison_cells (
				run_id, stack_id, metric, mean, std, folds
			) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert cells: %w", err)
		}
		defer stmt.Close()

		for _, stackID := range table.Stacks {
			for _, metric := range table.Metrics {
				cell, ok := table.Cell(stackID, metric)
				if !ok {
					continue
				}
				var mean interface{}
				if !math.IsNaN(cell.Mean) {
					mean = cell.Mean
				}
				if _, err := stmt.Exec(runID, stackID, metric, mean, cell.Std, cell.Folds); err != nil {
					return fmt.Errorf("insert cell: %w", err)
				}
			}
		}
		return tx.Commit()
	})
}

// LoadComparisonTable rebuilds the aggregated table for a run. Stack and
// metric order follow insertion order, which preserves the order the table
// was built with.
func (s *RunStore) LoadComparisonTable(runID string) (*stack.ComparisonTable, error) {
	rows, err := s.db.Query(`
		SELECT stack_id, metric, mean, std, folds
		FROM comparison_cells
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query cells: %w", err)
	}
	defer rows.Close()

	table := &stack.ComparisonTable{Cells: make(map[string]map[string]stack.Cell)}
	seenStack := make(map[string]bool)
	seenMetric := make(map[string]bool)
	for rows.Next() {
		var stackID, metric string
		var mean sql.NullFloat64
		var cell stack.Cell
		if err := rows.Scan(&stackID, &metric, &mean, &cell.Std, &cell.Folds); err != nil {
			return nil, fmt.Errorf("scan cell row: %w", err)
		}
		if mean.Valid {
			cell.Mean = mean.Float64
		} else {
			cell.Mean = math.NaN()
		}
		if !seenStack[stackID] {
			seenStack[stackID] = true
			table.Stacks = append(table.Stacks, stackID)
		}
		if !seenMetric[metric] {
			seenMetric[metric] = true
			table.Metrics = append(table.Metrics, metric)
		}
		row, ok := table.Cells[stackID]
		if !ok {
			row = make(map[string]stack.Cell)
			table.Cells[stackID] = row
		}
		row[metric] = cell
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(table.Stacks) == 0 {
		return nil, fmt.Errorf("no comparison cells for run %s", runID)
	}
	return table, nil
}

// scanRun scans one runs row through the given Scan function, so it works
// for both sql.Row and sql.Rows.
func scanRun(scan func(dest ...interface{}) error) (*Run, error) {
	var run Run
	var configStr, errStr sql.NullString
	var finishedAt sql.NullInt64
	err := scan(
		&run.RunID, &run.ConfigPath, &configStr, &run.StartedAt, &finishedAt,
		&run.Status, &run.StackCount, &run.UtteranceCount, &errStr,
	)
	if err != nil {
		return nil, err
	}
	if configStr.Valid {
		run.ConfigJSON = json.RawMessage(configStr.String)
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Int64
	}
	if errStr.Valid {
		run.Error = errStr.String
	}
	return &run, nil
}

// requireAffected converts a zero-row update into a not-found error.
func requireAffected(result sql.Result, runID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

const (
	maxBusyRetries   = 5
	initialBusyDelay = 10 * time.Millisecond
)

// isSQLiteBusy reports whether err is a SQLite busy/locked error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// retryOnBusy retries fn with exponential backoff while it reports a busy
// database. Non-busy errors return immediately, unchanged.
func retryOnBusy(fn func() error) error {
	delay := initialBusyDelay
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
	}
	return fmt.Errorf("database busy after %d attempts: %w", maxBusyRetries, err)
}
