package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// CreateUpdateTrigger records a Monday comment classification.
// Returns the trigger id for later MarkTriggerProcessed.
func (s *Store) CreateUpdateTrigger(ctx context.Context, taskID int64, updateID, classification string, confidence float64) (int64, error) {
	if taskID == 0 {
		return 0, fmt.Errorf("%w: task_id", ErrMissingReference)
	}
	if updateID == "" {
		return 0, fmt.Errorf("%w: update_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var id int64
	err = withRetry(ctx, s.logger, "create_update_trigger", func() error {
		err := db.GetContext(ctx, &id, `
			INSERT INTO update_triggers (task_id, update_id, classification, confidence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (task_id, update_id) DO UPDATE SET classification = EXCLUDED.classification
			RETURNING id`,
			taskID, updateID, classification, confidence)
		return classifyError(err)
	})
	if err != nil {
		return 0, fmt.Errorf("create update trigger: %w", err)
	}

	return id, nil
}

// MarkTriggerProcessed links a trigger to the run it spawned.
// triggeredRunID stays nil for question-type updates that create no run.
func (s *Store) MarkTriggerProcessed(ctx context.Context, triggerID int64, triggeredRunID *int64) error {
	if triggerID == 0 {
		return fmt.Errorf("%w: trigger_id", ErrMissingReference)
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "mark_trigger_processed", func() error {
		_, err := db.ExecContext(ctx, `
			UPDATE update_triggers SET processed = true, triggered_run_id = $2
			WHERE id = $1`,
			triggerID, triggeredRunID)
		return classifyError(err)
	})
}

// LogApplicationEvent writes one audit-log entry. Best effort: callers
// treat failures as non-fatal, so errors here only surface in logs.
func (s *Store) LogApplicationEvent(ctx context.Context, taskID *int64, level, source, action, message string, metadata json.RawMessage) {
	db, err := s.conn()
	if err != nil {
		s.logger.Warn("Application event dropped, store unavailable", "action", action)
		return
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO application_events (task_id, level, source, action, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		taskID, level, source, action, message, metadata)
	if err != nil {
		s.logger.Warn("Application event write failed", "action", action, "error", err)
	}
}

// GetConfigValue reads one typed config entry.
func (s *Store) GetConfigValue(ctx context.Context, key string) (*ConfigEntry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var entry ConfigEntry
	if err := db.GetContext(ctx, &entry, `SELECT * FROM app_config WHERE key = $1`, key); err != nil {
		return nil, classifyError(err)
	}
	return &entry, nil
}

// SetConfigValue upserts one typed config entry.
func (s *Store) SetConfigValue(ctx context.Context, key, value, valueType string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	return withRetry(ctx, s.logger, "set_config_value", func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO app_config (key, value, value_type, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value,
			                                value_type = EXCLUDED.value_type,
			                                updated_at = now()`,
			key, value, valueType)
		return classifyError(err)
	})
}
