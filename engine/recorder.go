package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/vydata/taskpilot/llm"
	"github.com/vydata/taskpilot/store"
)

type stepCtxKey struct{}

// withStepID tags a node context with the step row the node runs under.
func withStepID(ctx context.Context, stepID int64) context.Context {
	if stepID == 0 {
		return ctx
	}
	return context.WithValue(ctx, stepCtxKey{}, stepID)
}

// StepIDFromContext returns the step id carried by a node context, or 0
// when the call happens outside a persisted node execution.
func StepIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(stepCtxKey{}).(int64)
	return id
}

// InteractionStore is the slice of the store the recorder writes through.
type InteractionStore interface {
	LogLLMInteraction(ctx context.Context, rec *store.LLMInteraction) (int64, error)
}

// InteractionRecorder persists LLM calls to the interaction ledger, keyed
// by the step id carried in the call context. Calls made outside a node
// execution have no step row and are skipped.
type InteractionRecorder struct {
	store  InteractionStore
	logger *slog.Logger
}

// NewInteractionRecorder creates a recorder backed by the given store.
func NewInteractionRecorder(st InteractionStore, logger *slog.Logger) *InteractionRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractionRecorder{store: st, logger: logger}
}

// RecordCall implements llm.CallRecorder. Persistence failures are logged,
// never surfaced; the completion path does not depend on the ledger.
func (r *InteractionRecorder) RecordCall(ctx context.Context, rec *llm.CallRecord) {
	stepID := StepIDFromContext(ctx)
	if stepID == 0 {
		r.logger.Debug("LLM call outside a step, not recorded", "request_id", rec.RequestID)
		return
	}

	response := rec.Response
	if rec.Error != "" {
		response = "ERROR: " + rec.Error
	}

	row := &store.LLMInteraction{
		StepID:           stepID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		Prompt:           flattenMessages(rec.Messages),
		Response:         response,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		LatencyMs:        rec.LatencyMs,
	}
	if _, err := r.store.LogLLMInteraction(ctx, row); err != nil {
		r.logger.Warn("LLM interaction not recorded",
			"step_id", stepID, "request_id", rec.RequestID, "error", err)
	}
}

func flattenMessages(msgs []llm.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
