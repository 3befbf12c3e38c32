package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CreateOrLoadTask creates a task for the given external payload or returns
// the existing task id. Idempotent on external_id.
func (s *Store) CreateOrLoadTask(ctx context.Context, payload *TaskPayload) (int64, error) {
	if payload == nil {
		return 0, fmt.Errorf("%w: nil payload", ErrMissingReference)
	}
	if err := payload.Validate(); err != nil {
		return 0, err
	}
	payload.Normalize()

	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var taskID int64
	err = withRetry(ctx, s.logger, "create_or_load_task", func() error {
		// Existing task wins; first webhook for an external-id creates it.
		err := db.GetContext(ctx, &taskID,
			`SELECT id FROM tasks WHERE external_id = $1`, payload.ExternalID)
		if err == nil {
			return nil
		}
		if !errors.Is(classifyError(err), ErrNotFound) {
			return classifyError(err)
		}

		err = db.GetContext(ctx, &taskID, `
			INSERT INTO tasks (external_id, board_id, title, description, repository_url,
			                   priority, task_type, internal_status, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
			ON CONFLICT (external_id) DO UPDATE SET updated_at = now()
			RETURNING id`,
			payload.ExternalID, payload.BoardID, payload.Title, payload.Description,
			payload.RepositoryURL, payload.Priority, payload.TaskType, payload.CreatedBy)
		return classifyError(err)
	})
	if err != nil {
		return 0, fmt.Errorf("create or load task: %w", err)
	}

	return taskID, nil
}

// GetTask loads a task by internal id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var task Task
	if err := db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = $1`, taskID); err != nil {
		return nil, classifyError(err)
	}
	return &task, nil
}

// GetTaskByExternalID loads a task by its Monday item id.
func (s *Store) GetTaskByExternalID(ctx context.Context, externalID int64) (*Task, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var task Task
	if err := db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE external_id = $1`, externalID); err != nil {
		return nil, classifyError(err)
	}
	return &task, nil
}

// UpdateTaskStatus sets the internal and external status mirrors.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID int64, internal TaskStatus, external string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "update_task_status", func() error {
		_, err := db.ExecContext(ctx, `
			UPDATE tasks SET internal_status = $2, external_status = $3, updated_at = $4
			WHERE id = $1`,
			taskID, internal, external, time.Now().UTC())
		return classifyError(err)
	})
}
