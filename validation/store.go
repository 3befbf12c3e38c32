// Package validation persists human approval tickets and their outcomes.
package validation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vydata/taskpilot/store"
)

// Response statuses. "pending" is a request state, never a response state.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusAbandoned = "abandoned"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// Action types for post-decision side effects.
const (
	ActionMergePR      = "merge_pr"
	ActionRejectPR     = "reject_pr"
	ActionUpdateMonday = "update_monday"
	ActionCleanup      = "cleanup_branch"
	ActionNotifyUser   = "notify_user"
)

// Action statuses.
const (
	ActionStatusPending    = "pending"
	ActionStatusInProgress = "in_progress"
	ActionStatusCompleted  = "completed"
	ActionStatusFailed     = "failed"
	ActionStatusCancelled  = "cancelled"
)

// DefaultTTL is how long a validation stays actionable.
const DefaultTTL = 24 * time.Hour

// Request is a human-approval ticket as stored.
type Request struct {
	ValidationID    string         `db:"validation_id" json:"validation_id"`
	TaskID          int64          `db:"task_id" json:"task_id"`
	RunID           sql.NullInt64  `db:"run_id" json:"run_id,omitempty"`
	StepID          sql.NullInt64  `db:"step_id" json:"step_id,omitempty"`
	ValidationType  string         `db:"validation_type" json:"validation_type"`
	IdempotenceKey  sql.NullString `db:"idempotence_key" json:"-"`
	TaskTitle       string         `db:"task_title" json:"task_title"`
	OriginalRequest string         `db:"original_request" json:"original_request"`
	CodeSummary     string         `db:"code_summary" json:"code_summary"`
	GeneratedCode   string         `db:"generated_code" json:"generated_code"`
	FilesModified   []byte         `db:"files_modified" json:"files_modified"`
	TestResults     string         `db:"test_results" json:"test_results"`
	PRInfo          string         `db:"pr_info" json:"pr_info"`
	Status          string         `db:"status" json:"status"`
	RequestedBy     string         `db:"requested_by" json:"requested_by"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	ExpiresAt       time.Time      `db:"expires_at" json:"expires_at"`
}

// Files decodes the normalized files-modified list.
func (r *Request) Files() []string {
	var files []string
	if err := json.Unmarshal(r.FilesModified, &files); err != nil {
		return nil
	}
	return files
}

// Response is a human decision on a validation request.
type Response struct {
	ID                       int64     `db:"id" json:"id"`
	ValidationID             string    `db:"validation_id" json:"validation_id"`
	ResponseStatus           string    `db:"response_status" json:"response_status"`
	Comments                 string    `db:"comments" json:"comments"`
	ValidatedBy              string    `db:"validated_by" json:"validated_by"`
	ValidatedAt              time.Time `db:"validated_at" json:"validated_at"`
	ShouldMerge              bool      `db:"should_merge" json:"should_merge"`
	ShouldContinueWorkflow   bool      `db:"should_continue_workflow" json:"should_continue_workflow"`
	RejectionCount           int       `db:"rejection_count" json:"rejection_count"`
	ModificationInstructions string    `db:"modification_instructions" json:"modification_instructions"`
	ShouldRetryWorkflow      bool      `db:"should_retry_workflow" json:"should_retry_workflow"`
	DurationSeconds          float64   `db:"validation_duration_secs" json:"validation_duration_secs"`
}

// Action is a post-decision side-effect record.
type Action struct {
	ID              int64          `db:"id" json:"id"`
	ValidationID    string         `db:"validation_id" json:"validation_id"`
	ActionType      string         `db:"action_type" json:"action_type"`
	Status          string         `db:"status" json:"status"`
	Input           []byte         `db:"input" json:"input,omitempty"`
	Result          []byte         `db:"result" json:"result,omitempty"`
	MergeCommitHash sql.NullString `db:"merge_commit_hash" json:"merge_commit_hash,omitempty"`
	Error           sql.NullString `db:"error" json:"error,omitempty"`
	StartedAt       sql.NullTime   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     sql.NullTime   `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// CreateInput carries everything needed to open a validation.
type CreateInput struct {
	TaskID          int64
	RunID           int64 // 0 means no run
	StepID          int64 // 0 means no step
	ValidationType  string
	IdempotenceKey  string
	TaskTitle       string
	OriginalRequest string
	CodeSummary     string
	GeneratedCode   any
	FilesModified   any // normalized by NormalizeFiles
	TestResults     any
	PRInfo          any
	RequestedBy     string
	TTL             time.Duration
}

// Store runs validation queries on the shared database pool.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a validation store over the shared pool.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// NormalizeFiles coerces the many upstream shapes of files-modified into a
// flat list of paths. Maps contribute their keys, strings become singleton
// lists, nil becomes empty, empty strings are dropped.
func NormalizeFiles(v any) []string {
	out := []string{}
	switch files := v.(type) {
	case nil:
		return out
	case []string:
		for _, f := range files {
			if f != "" {
				out = append(out, f)
			}
		}
	case []any:
		for _, f := range files {
			if s, ok := f.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case map[string]any:
		for path := range files {
			if path != "" {
				out = append(out, path)
			}
		}
		sort.Strings(out)
	case map[string]string:
		for path := range files {
			if path != "" {
				out = append(out, path)
			}
		}
		sort.Strings(out)
	case string:
		if files != "" {
			out = append(out, files)
		}
	}
	return out
}

// serialize renders a value as a JSON string column.
// Strings pass through unchanged.
func serialize(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// CreateRequest opens a validation ticket. Returns the validation id and
// whether a row exists after the call. Idempotent on the explicit key and on
// (run-id, validation-type). Persistence here is best-effort: on failure it
// returns ok=false so the caller's workflow keeps moving.
func (s *Store) CreateRequest(ctx context.Context, in CreateInput) (string, bool) {
	validationID := uuid.New().String()
	if in.ValidationType == "" {
		in.ValidationType = "workflow_result"
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	files, err := json.Marshal(NormalizeFiles(in.FilesModified))
	if err != nil {
		files = []byte("[]")
	}

	now := s.now()
	var runID, stepID sql.NullInt64
	if in.RunID > 0 {
		runID = sql.NullInt64{Int64: in.RunID, Valid: true}
	}
	if in.StepID > 0 {
		stepID = sql.NullInt64{Int64: in.StepID, Valid: true}
	}
	var idemKey sql.NullString
	if in.IdempotenceKey != "" {
		idemKey = sql.NullString{String: in.IdempotenceKey, Valid: true}
	}

	err = store.WithRetry(ctx, s.logger, "validation.CreateRequest", func() error {
		if existing, found := s.findExisting(ctx, idemKey, runID, in.ValidationType); found {
			validationID = existing
			return nil
		}

		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO validation_requests (
				validation_id, task_id, run_id, step_id, validation_type,
				idempotence_key, task_title, original_request, code_summary,
				generated_code, files_modified, test_results, pr_info,
				status, requested_by, created_at, expires_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			validationID, in.TaskID, runID, stepID, in.ValidationType,
			idemKey, in.TaskTitle, in.OriginalRequest, in.CodeSummary,
			serialize(in.GeneratedCode), files, serialize(in.TestResults), serialize(in.PRInfo),
			StatusPending, in.RequestedBy, now, now.Add(ttl))
		if execErr != nil {
			classified := store.Classify(execErr)
			// Concurrent create for the same key: treat as success.
			if errors.Is(classified, store.ErrConflict) {
				if existing, found := s.findExisting(ctx, idemKey, runID, in.ValidationType); found {
					validationID = existing
					return nil
				}
			}
			return classified
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Validation request not persisted, continuing without it",
			"task_id", in.TaskID, "run_id", in.RunID, "error", err)
		return "", false
	}

	return validationID, true
}

func (s *Store) findExisting(ctx context.Context, idemKey sql.NullString, runID sql.NullInt64, validationType string) (string, bool) {
	var existing string
	if idemKey.Valid {
		err := s.db.GetContext(ctx, &existing,
			`SELECT validation_id FROM validation_requests WHERE idempotence_key = $1`, idemKey.String)
		if err == nil {
			return existing, true
		}
		// An explicit key names one validation cycle; never widen the match
		// to (run, type) or a later cycle would replay an earlier decision.
		return "", false
	}
	if runID.Valid {
		err := s.db.GetContext(ctx, &existing,
			`SELECT validation_id FROM validation_requests WHERE run_id = $1 AND validation_type = $2`,
			runID.Int64, validationType)
		if err == nil {
			return existing, true
		}
	}
	return "", false
}

// GetRequest loads one validation request.
func (s *Store) GetRequest(ctx context.Context, validationID string) (*Request, error) {
	var req Request
	err := s.db.GetContext(ctx, &req,
		`SELECT * FROM validation_requests WHERE validation_id = $1`, validationID)
	if err != nil {
		return nil, store.Classify(err)
	}
	return &req, nil
}

// SubmitResponse records a human decision. The request must still be
// pending; the database trigger mirrors the response status onto it.
func (s *Store) SubmitResponse(ctx context.Context, validationID string, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("nil response")
	}
	switch resp.ResponseStatus {
	case StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
	default:
		return fmt.Errorf("invalid response status %q", resp.ResponseStatus)
	}

	return store.WithRetry(ctx, s.logger, "validation.SubmitResponse", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return store.Classify(err)
		}
		defer tx.Rollback()

		var req Request
		err = tx.GetContext(ctx, &req,
			`SELECT * FROM validation_requests WHERE validation_id = $1 FOR UPDATE`, validationID)
		if err != nil {
			return store.Classify(err)
		}
		if req.Status != StatusPending {
			return fmt.Errorf("validation %s already %s", validationID, req.Status)
		}

		validatedAt := resp.ValidatedAt
		if validatedAt.IsZero() {
			validatedAt = s.now()
		}
		validatedAt = validatedAt.UTC()
		duration := validatedAt.Sub(req.CreatedAt.UTC()).Seconds()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO validation_responses (
				validation_id, response_status, comments, validated_by, validated_at,
				should_merge, should_continue_workflow, rejection_count,
				modification_instructions, should_retry_workflow, validation_duration_secs
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			validationID, resp.ResponseStatus, resp.Comments, resp.ValidatedBy, validatedAt,
			resp.ShouldMerge, resp.ShouldContinueWorkflow, resp.RejectionCount,
			resp.ModificationInstructions, resp.ShouldRetryWorkflow, duration)
		if err != nil {
			return store.Classify(err)
		}

		return store.Classify(tx.Commit())
	})
}

// pollInterval is how often WaitForResponse checks for a decision.
var pollInterval = 10 * time.Second

// WaitForResponse blocks until a response arrives, the request expires, or
// the timeout elapses. Returns nil on timeout. No connection or transaction
// is held across the wait.
func (s *Store) WaitForResponse(ctx context.Context, validationID string, timeout time.Duration) (*Response, error) {
	deadline := s.now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		resp, err := s.latestResponse(ctx, validationID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}

		expired, err := s.expireIfDue(ctx, validationID)
		if err != nil {
			s.logger.Warn("Expiry check failed", "validation_id", validationID, "error", err)
		}
		if expired {
			return s.latestResponse(ctx, validationID)
		}

		if s.now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Store) latestResponse(ctx context.Context, validationID string) (*Response, error) {
	var resp Response
	err := s.db.GetContext(ctx, &resp, `
		SELECT * FROM validation_responses
		WHERE validation_id = $1
		ORDER BY validated_at DESC LIMIT 1`, validationID)
	if err != nil {
		return nil, store.Classify(err)
	}
	return &resp, nil
}

// expireIfDue records an expired response when the request's TTL has passed.
func (s *Store) expireIfDue(ctx context.Context, validationID string) (bool, error) {
	req, err := s.GetRequest(ctx, validationID)
	if err != nil {
		return false, err
	}
	if req.Status != StatusPending || s.now().Before(req.ExpiresAt) {
		return false, nil
	}

	err = s.SubmitResponse(ctx, validationID, &Response{
		ResponseStatus: StatusExpired,
		Comments:       "validation request expired",
		ValidatedBy:    "system",
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateAction records a pending post-decision side effect.
func (s *Store) CreateAction(ctx context.Context, validationID, actionType string, input any) (int64, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return 0, fmt.Errorf("marshal action input: %w", err)
	}

	var id int64
	err = store.WithRetry(ctx, s.logger, "validation.CreateAction", func() error {
		return store.Classify(s.db.GetContext(ctx, &id, `
			INSERT INTO validation_actions (validation_id, action_type, status, input, created_at)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			validationID, actionType, ActionStatusPending, inputJSON, s.now()))
	})
	return id, err
}

// UpdateAction transitions an action's status and records its outcome.
func (s *Store) UpdateAction(ctx context.Context, actionID int64, status string, result any, actionErr string, mergeCommit string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}

	now := s.now()
	var started, completed sql.NullTime
	switch status {
	case ActionStatusInProgress:
		started = sql.NullTime{Time: now, Valid: true}
	case ActionStatusCompleted, ActionStatusFailed, ActionStatusCancelled:
		completed = sql.NullTime{Time: now, Valid: true}
	}

	return store.WithRetry(ctx, s.logger, "validation.UpdateAction", func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE validation_actions SET
				status = $2,
				result = $3,
				error = NULLIF($4, ''),
				merge_commit_hash = NULLIF($5, ''),
				started_at = COALESCE(started_at, $6),
				completed_at = COALESCE(completed_at, $7)
			WHERE id = $1`,
			actionID, status, resultJSON, actionErr, mergeCommit, started, completed)
		return store.Classify(execErr)
	})
}

// ListActions returns all actions for a validation in creation order.
func (s *Store) ListActions(ctx context.Context, validationID string) ([]Action, error) {
	var actions []Action
	err := s.db.SelectContext(ctx, &actions, `
		SELECT * FROM validation_actions
		WHERE validation_id = $1 ORDER BY created_at, id`, validationID)
	if err != nil {
		return nil, store.Classify(err)
	}
	return actions, nil
}

// ListPending returns open validations: pending first, then those expiring
// within the hour, then most recent.
func (s *Store) ListPending(ctx context.Context, includeExpired bool) ([]Request, error) {
	query := `
		SELECT * FROM validation_requests
		WHERE status = 'pending'`
	if includeExpired {
		query = `
		SELECT * FROM validation_requests
		WHERE status IN ('pending', 'expired')`
	}
	query += `
		ORDER BY
			CASE WHEN status = 'pending' THEN 0 ELSE 1 END,
			CASE WHEN expires_at < now() + interval '1 hour' THEN 0 ELSE 1 END,
			created_at DESC`

	var requests []Request
	if err := s.db.SelectContext(ctx, &requests, query); err != nil {
		return nil, store.Classify(err)
	}
	return requests, nil
}

// Stats summarizes validation activity.
type Stats struct {
	Total              int     `db:"total" json:"total"`
	Pending            int     `db:"pending" json:"pending"`
	Approved           int     `db:"approved" json:"approved"`
	Rejected           int     `db:"rejected" json:"rejected"`
	Expired            int     `db:"expired" json:"expired"`
	Urgent             int     `db:"urgent" json:"urgent"`
	AvgDurationMinutes float64 `db:"avg_duration_minutes" json:"avg_duration_minutes"`
}

// GetStats computes aggregate validation counters.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			count(*) AS total,
			count(*) FILTER (WHERE status = 'pending') AS pending,
			count(*) FILTER (WHERE status = 'approved') AS approved,
			count(*) FILTER (WHERE status = 'rejected') AS rejected,
			count(*) FILTER (WHERE status = 'expired') AS expired,
			count(*) FILTER (WHERE status = 'pending' AND expires_at < now() + interval '1 hour') AS urgent,
			COALESCE((
				SELECT avg(validation_duration_secs) / 60.0 FROM validation_responses
			), 0) AS avg_duration_minutes
		FROM validation_requests`)
	if err != nil {
		return nil, store.Classify(err)
	}
	return &stats, nil
}
