package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateStep opens a step row for a node execution within a run.
func (s *Store) CreateStep(ctx context.Context, runID int64, nodeName string, order int, input json.RawMessage) (int64, error) {
	if runID == 0 {
		return 0, fmt.Errorf("%w: run_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var stepID int64
	err = withRetry(ctx, s.logger, "create_step", func() error {
		err := db.GetContext(ctx, &stepID, `
			INSERT INTO workflow_steps (run_id, node_name, step_order, input, status, started_at)
			VALUES ($1, $2, $3, $4, 'running', $5)
			RETURNING id`,
			runID, nodeName, order, input, time.Now().UTC())
		return classifyError(err)
	})
	if err != nil {
		return 0, fmt.Errorf("create step: %w", err)
	}

	return stepID, nil
}

// CompleteStep finalizes a step with its status and serialized output summary.
func (s *Store) CompleteStep(ctx context.Context, stepID int64, status StepStatus, output json.RawMessage, stepErr *string) error {
	if stepID == 0 {
		return fmt.Errorf("%w: step_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "complete_step", func() error {
		_, err := db.ExecContext(ctx, `
			UPDATE workflow_steps SET status = $2, output = $3, error = $4, completed_at = $5
			WHERE id = $1`,
			stepID, status, output, stepErr, time.Now().UTC())
		return classifyError(err)
	})
}

// IncrementStepRetry bumps the retry counter for a step.
func (s *Store) IncrementStepRetry(ctx context.Context, stepID int64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`UPDATE workflow_steps SET retry_count = retry_count + 1 WHERE id = $1`, stepID)
	return classifyError(err)
}

// SaveCheckpoint stores the latest checkpoint blob for a node in its run.
// The blob lands on the most recent step row for that node.
func (s *Store) SaveCheckpoint(ctx context.Context, runID int64, nodeName string, blob json.RawMessage) error {
	if runID == 0 {
		return fmt.Errorf("%w: run_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "save_checkpoint", func() error {
		_, err := db.ExecContext(ctx, `
			UPDATE workflow_steps SET checkpoint = $3
			WHERE id = (
				SELECT id FROM workflow_steps
				WHERE run_id = $1 AND node_name = $2
				ORDER BY step_order DESC LIMIT 1
			)`,
			runID, nodeName, blob)
		return classifyError(err)
	})
}

// GetLatestCheckpoint returns the most recent checkpoint blob saved for a
// run, or ErrNotFound when the run never reached a checkpointed node.
func (s *Store) GetLatestCheckpoint(ctx context.Context, runID int64) (json.RawMessage, error) {
	if runID == 0 {
		return nil, fmt.Errorf("%w: run_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var blob json.RawMessage
	err = db.GetContext(ctx, &blob, `
		SELECT checkpoint FROM workflow_steps
		WHERE run_id = $1 AND checkpoint IS NOT NULL
		ORDER BY step_order DESC, id DESC LIMIT 1`, runID)
	if err != nil {
		return nil, classifyError(err)
	}
	return blob, nil
}

// LogLLMInteraction records one prompt/response pair attached to a step.
func (s *Store) LogLLMInteraction(ctx context.Context, rec *LLMInteraction) (int64, error) {
	if rec.StepID == 0 {
		return 0, fmt.Errorf("%w: step_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var id int64
	err = withRetry(ctx, s.logger, "log_llm_interaction", func() error {
		err := db.GetContext(ctx, &id, `
			INSERT INTO llm_interactions (step_id, provider, model, prompt, response,
			                              prompt_tokens, completion_tokens, latency_ms, cost_estimate)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			rec.StepID, rec.Provider, rec.Model, rec.Prompt, rec.Response,
			rec.PromptTokens, rec.CompletionTokens, rec.LatencyMs, rec.CostEstimate)
		return classifyError(err)
	})
	if err != nil {
		return 0, fmt.Errorf("log llm interaction: %w", err)
	}
	return id, nil
}

// LogCodeGeneration records a per-run code generation artifact.
func (s *Store) LogCodeGeneration(ctx context.Context, gen *CodeGeneration) error {
	if gen.RunID == 0 {
		return fmt.Errorf("%w: run_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "log_code_generation", func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO code_generations (run_id, provider, model, generation_type, prompt,
			                              code, files_modified, tokens, latency_ms, cost)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			gen.RunID, gen.Provider, gen.Model, gen.Type, gen.Prompt,
			gen.Code, gen.FilesModified, gen.Tokens, gen.LatencyMs, gen.Cost)
		return classifyError(err)
	})
}

// LogTestResult records a per-run test execution.
func (s *Store) LogTestResult(ctx context.Context, res *TestResult) error {
	if res.RunID == 0 {
		return fmt.Errorf("%w: run_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "log_test_result", func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO test_results (run_id, passed, total_tests, passed_tests, failed_tests,
			                          skipped_tests, coverage_percent, report, duration_seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			res.RunID, res.Passed, res.TotalTests, res.PassedTests, res.FailedTests,
			res.SkippedTests, res.CoveragePercent, res.Report, res.DurationSeconds)
		return classifyError(err)
	})
}

// CompleteStepWithInteractions finalizes a step and its LLM interaction
// records inside one transaction for multi-row consistency.
func (s *Store) CompleteStepWithInteractions(ctx context.Context, stepID int64, status StepStatus, output json.RawMessage, interactions []*LLMInteraction) error {
	if stepID == 0 {
		return fmt.Errorf("%w: step_id", ErrMissingReference)
	}

	return withRetry(ctx, s.logger, "complete_step_with_interactions", func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workflow_steps SET status = $2, output = $3, completed_at = $4
				WHERE id = $1`,
				stepID, status, output, time.Now().UTC()); err != nil {
				return err
			}

			for _, rec := range interactions {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO llm_interactions (step_id, provider, model, prompt, response,
					                              prompt_tokens, completion_tokens, latency_ms, cost_estimate)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
					stepID, rec.Provider, rec.Model, rec.Prompt, rec.Response,
					rec.PromptTokens, rec.CompletionTokens, rec.LatencyMs, rec.CostEstimate); err != nil {
					return err
				}
			}
			return nil
		})
	})
}
