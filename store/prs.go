package store

import (
	"context"
	"fmt"
	"time"
)

// CreatePullRequest records a PR for a run. Both taskID and runID are
// required; a zero value for either fails with ErrMissingReference before
// any SQL runs. This is the boundary that keeps orphaned PR rows out of
// the audit trail.
func (s *Store) CreatePullRequest(ctx context.Context, pr *PullRequest) (int64, error) {
	if pr.TaskID == 0 {
		return 0, fmt.Errorf("%w: task_id on pull request", ErrMissingReference)
	}
	if pr.RunID == 0 {
		return 0, fmt.Errorf("%w: run_id on pull request", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	if pr.Status == "" {
		pr.Status = PROpen
	}

	var id int64
	err = withRetry(ctx, s.logger, "create_pull_request", func() error {
		err := db.GetContext(ctx, &id, `
			INSERT INTO pull_requests (task_id, run_id, external_number, url, title,
			                           head_branch, base_branch, head_sha, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			pr.TaskID, pr.RunID, pr.ExternalNumber, pr.URL, pr.Title,
			pr.HeadBranch, pr.BaseBranch, pr.HeadSHA, pr.Status)
		return classifyError(err)
	})
	if err != nil {
		return 0, fmt.Errorf("create pull request: %w", err)
	}

	return id, nil
}

// UpdatePullRequestStatus transitions a PR and records the merge commit.
func (s *Store) UpdatePullRequestStatus(ctx context.Context, runID int64, status PRStatus, mergeCommit *string) error {
	if runID == 0 {
		return fmt.Errorf("%w: run_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "update_pull_request_status", func() error {
		_, err := db.ExecContext(ctx, `
			UPDATE pull_requests SET status = $2, merge_commit_hash = $3, updated_at = $4
			WHERE run_id = $1`,
			runID, status, mergeCommit, time.Now().UTC())
		return classifyError(err)
	})
}

// UpdateLastMergedPRURL stores the merged PR URL on the run's metrics trail.
func (s *Store) UpdateLastMergedPRURL(ctx context.Context, runID int64, url string) error {
	if runID == 0 {
		return fmt.Errorf("%w: run_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "update_last_merged_pr_url", func() error {
		_, err := db.ExecContext(ctx, `
			UPDATE task_runs
			SET metrics = COALESCE(metrics, '{}'::jsonb) || jsonb_build_object('last_merged_pr_url', $2::text)
			WHERE id = $1`,
			runID, url)
		return classifyError(err)
	})
}

// GetPullRequestByRun loads the PR recorded for a run.
func (s *Store) GetPullRequestByRun(ctx context.Context, runID int64) (*PullRequest, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var pr PullRequest
	if err := db.GetContext(ctx, &pr,
		`SELECT * FROM pull_requests WHERE run_id = $1 ORDER BY id DESC LIMIT 1`, runID); err != nil {
		return nil, classifyError(err)
	}
	return &pr, nil
}
