package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vydata/taskpilot/llm"
	"github.com/vydata/taskpilot/store"
)

// ErrNodeTimeout marks a node that exceeded its per-node deadline.
// Timeouts route to graceful shutdown, never to the retry path.
var ErrNodeTimeout = errors.New("node deadline exceeded")

// Persister is the slice of the store the runtime writes through.
// A nil Persister disables persistence (dry runs and tests).
type Persister interface {
	CreateStep(ctx context.Context, runID int64, nodeName string, order int, input json.RawMessage) (int64, error)
	CompleteStep(ctx context.Context, stepID int64, status store.StepStatus, output json.RawMessage, stepErr *string) error
	IncrementStepRetry(ctx context.Context, stepID int64) error
	SaveCheckpoint(ctx context.Context, runID int64, nodeName string, blob json.RawMessage) error
	CompleteTaskRun(ctx context.Context, runID int64, status store.RunStatus, metrics json.RawMessage, runErr *string) error
}

// Runtime wraps node execution with step records, bounded retry, and
// checkpoint saves. Persistence failures are logged, never fatal; the step
// trail is an audit artifact, not a dependency of the run.
type Runtime struct {
	persister Persister
	logger    *slog.Logger
}

// NewRuntime creates a runtime. persister may be nil.
func NewRuntime(persister Persister, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{persister: persister, logger: logger}
}

// RunNode executes one node with a per-attempt timeout and transient retry.
// State is restored from the pre-node snapshot before each retry.
func (r *Runtime) RunNode(ctx context.Context, name string, fn NodeFunc, s *State, timeout time.Duration, maxRetries int) (Results, error) {
	order := len(s.CompletedNodes) + 1
	stepID := r.openStep(ctx, s, name, order)
	s.StepID = stepID

	snapshot, snapErr := s.Snapshot()
	if snapErr != nil {
		r.logger.Warn("State snapshot failed, retries will not restore", "node", name, "error", snapErr)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			r.restore(s, snapshot, stepID)
			s.NodeRetryCount[name]++
			r.bumpRetry(ctx, stepID)
			r.logger.Info("Retrying node", "node", name, "attempt", attempt)
		}

		nodeCtx, cancel := context.WithTimeout(ctx, timeout)
		nodeCtx = withStepID(nodeCtx, stepID)
		delta, err := fn(nodeCtx, s)
		timedOut := nodeCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err == nil {
			r.closeStep(ctx, stepID, store.StepCompleted, summarize(delta), nil)
			return delta, nil
		}
		lastErr = err

		if timedOut && errors.Is(err, context.DeadlineExceeded) {
			msg := fmt.Sprintf("node %s timed out after %s", name, timeout)
			r.closeStep(ctx, stepID, store.StepFailed, nil, &msg)
			return nil, fmt.Errorf("%w: %s", ErrNodeTimeout, name)
		}
		if ctx.Err() != nil {
			msg := ctx.Err().Error()
			r.closeStep(ctx, stepID, store.StepFailed, nil, &msg)
			return nil, ctx.Err()
		}
		if !retryable(err) || attempt == maxRetries {
			break
		}
	}

	msg := lastErr.Error()
	r.closeStep(ctx, stepID, store.StepFailed, nil, &msg)
	return nil, fmt.Errorf("node %s: %w", name, lastErr)
}

// Checkpoint persists the full post-node state snapshot. The blob feeds
// RestoreState on resume, so it must stay the complete state, not a summary.
func (r *Runtime) Checkpoint(ctx context.Context, s *State, node string) {
	if r.persister == nil || s.DBRunID == 0 {
		return
	}

	blob, err := s.Snapshot()
	if err != nil {
		r.logger.Warn("Checkpoint snapshot failed", "node", node, "error", err)
		return
	}
	if err := r.persister.SaveCheckpoint(ctx, s.DBRunID, node, blob); err != nil {
		r.logger.Warn("Checkpoint save failed", "node", node, "error", err)
	}
}

// FinishRun writes the terminal run record.
func (r *Runtime) FinishRun(ctx context.Context, s *State, status store.RunStatus, runErr string) {
	if r.persister == nil || s.DBRunID == 0 {
		return
	}

	metrics, err := json.Marshal(map[string]any{
		"nodes_executed":   len(s.CompletedNodes),
		"completed_nodes":  s.CompletedNodes,
		"debug_attempts":   s.IntResult(KeyDebugAttempts),
		"duration_seconds": time.Since(s.StartedAt).Seconds(),
	})
	if err != nil {
		metrics = []byte("{}")
	}

	var errPtr *string
	if runErr != "" {
		errPtr = &runErr
	}
	if err := r.persister.CompleteTaskRun(ctx, s.DBRunID, status, metrics, errPtr); err != nil {
		r.logger.Error("Run record not finalized", "run_id", s.DBRunID, "error", err)
	}
}

func (r *Runtime) openStep(ctx context.Context, s *State, name string, order int) int64 {
	if r.persister == nil || s.DBRunID == 0 {
		return 0
	}

	input, err := json.Marshal(map[string]any{
		"node":            name,
		"completed_nodes": s.CompletedNodes,
	})
	if err != nil {
		input = []byte("{}")
	}
	stepID, err := r.persister.CreateStep(ctx, s.DBRunID, name, order, input)
	if err != nil {
		r.logger.Warn("Step row not created", "node", name, "error", err)
		return 0
	}
	return stepID
}

func (r *Runtime) closeStep(ctx context.Context, stepID int64, status store.StepStatus, output json.RawMessage, stepErr *string) {
	if r.persister == nil || stepID == 0 {
		return
	}
	if err := r.persister.CompleteStep(ctx, stepID, status, output, stepErr); err != nil {
		r.logger.Warn("Step row not completed", "step_id", stepID, "error", err)
	}
}

func (r *Runtime) bumpRetry(ctx context.Context, stepID int64) {
	if r.persister == nil || stepID == 0 {
		return
	}
	if err := r.persister.IncrementStepRetry(ctx, stepID); err != nil {
		r.logger.Warn("Step retry count not updated", "step_id", stepID, "error", err)
	}
}

// restore rolls the state back to the pre-node snapshot, preserving the
// retry counters and the current step id.
func (r *Runtime) restore(s *State, snapshot json.RawMessage, stepID int64) {
	if snapshot == nil {
		return
	}
	restored, err := RestoreState(snapshot)
	if err != nil {
		r.logger.Warn("State restore failed, continuing with current state", "error", err)
		return
	}
	retries := s.NodeRetryCount
	*s = *restored
	s.NodeRetryCount = retries
	s.StepID = stepID
}

// retryable reports whether an error is worth another node attempt.
// Only classified transient failures retry; unknown errors are permanent.
func retryable(err error) bool {
	if llm.IsFatal(err) || errors.Is(err, store.ErrMissingReference) {
		return false
	}
	return llm.IsTransient(err) || store.IsTransientIO(err)
}

// maxSummaryValue bounds how much of a result value lands in the step row.
const maxSummaryValue = 500

// summarize renders a compact step output: full scalars, truncated strings,
// and sizes for bulky payloads like code changes.
func summarize(delta Results) json.RawMessage {
	out := make(map[string]any, len(delta))
	for key, v := range delta {
		switch val := v.(type) {
		case string:
			if len(val) > maxSummaryValue {
				out[key] = val[:maxSummaryValue] + "..."
			} else {
				out[key] = val
			}
		case map[string]any:
			if key == KeyCodeChanges {
				out[key] = fmt.Sprintf("%d files", len(val))
			} else {
				out[key] = val
			}
		case map[string]string:
			out[key] = fmt.Sprintf("%d files", len(val))
		default:
			out[key] = val
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return []byte("{}")
	}
	return data
}
