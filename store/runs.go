package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StartRun opens a new run row for the task and returns its id.
// correlationID is the process-generated UUID threaded through the workflow.
func (s *Store) StartRun(ctx context.Context, taskID int64, workflowID, correlationID, aiProvider string, reactivationCount int, sourceBranch string, triggeredBy *string) (int64, error) {
	if taskID == 0 {
		return 0, fmt.Errorf("%w: task_id", ErrMissingReference)
	}
	if correlationID == "" {
		return 0, fmt.Errorf("correlation id is required")
	}

	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var runID int64
	err = withRetry(ctx, s.logger, "start_run", func() error {
		err := db.GetContext(ctx, &runID, `
			INSERT INTO task_runs (uuid_run_id, task_id, workflow_id, ai_provider,
			                       reactivation_count, source_branch, status, triggered_by, started_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'running', $7, $8)
			RETURNING id`,
			correlationID, taskID, workflowID, aiProvider,
			reactivationCount, sourceBranch, triggeredBy, time.Now().UTC())
		return classifyError(err)
	})
	if err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}

	return runID, nil
}

// CompleteTaskRun finalizes a run with its status, metrics, and error blob.
func (s *Store) CompleteTaskRun(ctx context.Context, runID int64, status RunStatus, metrics json.RawMessage, runErr *string) error {
	if runID == 0 {
		return fmt.Errorf("%w: run_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "complete_task_run", func() error {
		_, err := db.ExecContext(ctx, `
			UPDATE task_runs SET status = $2, metrics = $3, error = $4, completed_at = $5
			WHERE id = $1`,
			runID, status, metrics, runErr, time.Now().UTC())
		return classifyError(err)
	})
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID int64) (*Run, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var run Run
	if err := db.GetContext(ctx, &run, `SELECT * FROM task_runs WHERE id = $1`, runID); err != nil {
		return nil, classifyError(err)
	}
	return &run, nil
}

// ListUnfinishedRuns returns runs left in a non-terminal status, oldest
// first. A run found here after startup died with the previous process.
func (s *Store) ListUnfinishedRuns(ctx context.Context) ([]*Run, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var runs []*Run
	err = db.SelectContext(ctx, &runs, `
		SELECT * FROM task_runs
		WHERE status IN ('pending', 'running')
		ORDER BY started_at ASC`)
	if err != nil {
		return nil, classifyError(err)
	}
	return runs, nil
}

// CountRuns returns the number of runs for a task.
// Reactivations use this to compute their reactivation_count.
func (s *Store) CountRuns(ctx context.Context, taskID int64) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var count int
	if err := db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM task_runs WHERE task_id = $1`, taskID); err != nil {
		return 0, classifyError(err)
	}
	return count, nil
}

// RecordPerformanceMetrics writes the per-run resource aggregate.
func (s *Store) RecordPerformanceMetrics(ctx context.Context, m *PerformanceMetrics) error {
	if m.TaskID == 0 || m.RunID == 0 {
		return fmt.Errorf("%w: task_id and run_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "record_performance_metrics", func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO performance_metrics (task_id, run_id, total_tokens, total_cost,
			                                 llm_calls, nodes_executed, duration_seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.TaskID, m.RunID, m.TotalTokens, m.TotalCost,
			m.LLMCalls, m.NodesExecuted, m.DurationSeconds)
		return classifyError(err)
	})
}

// Stats is the run-ledger summary reported on the health surface.
type Stats struct {
	TotalTasks    int `db:"total_tasks" json:"total_tasks"`
	ActiveRuns    int `db:"active_runs" json:"active_runs"`
	CompletedRuns int `db:"completed_runs" json:"completed_runs"`
	FailedRuns    int `db:"failed_runs" json:"failed_runs"`
}

// GetStats summarizes tasks and runs across the whole ledger.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var stats Stats
	err = db.GetContext(ctx, &stats, `
		SELECT
			(SELECT count(*) FROM tasks)                                            AS total_tasks,
			(SELECT count(*) FROM task_runs WHERE status IN ('pending', 'running')) AS active_runs,
			(SELECT count(*) FROM task_runs WHERE status = 'completed')             AS completed_runs,
			(SELECT count(*) FROM task_runs WHERE status IN ('failed', 'timeout'))  AS failed_runs`)
	if err != nil {
		return nil, classifyError(err)
	}
	return &stats, nil
}
