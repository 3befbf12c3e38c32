package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vydata/taskpilot/llm"
	"github.com/vydata/taskpilot/store"
)

type fakeInteractionStore struct {
	rows []*store.LLMInteraction
}

func (f *fakeInteractionStore) LogLLMInteraction(ctx context.Context, rec *store.LLMInteraction) (int64, error) {
	f.rows = append(f.rows, rec)
	return int64(len(f.rows)), nil
}

type stepPersister struct {
	stepID     int64
	checkpoint json.RawMessage
}

func (p *stepPersister) CreateStep(ctx context.Context, runID int64, nodeName string, order int, input json.RawMessage) (int64, error) {
	return p.stepID, nil
}

func (p *stepPersister) CompleteStep(ctx context.Context, stepID int64, status store.StepStatus, output json.RawMessage, stepErr *string) error {
	return nil
}

func (p *stepPersister) IncrementStepRetry(ctx context.Context, stepID int64) error { return nil }

func (p *stepPersister) SaveCheckpoint(ctx context.Context, runID int64, nodeName string, blob json.RawMessage) error {
	p.checkpoint = blob
	return nil
}

func (p *stepPersister) CompleteTaskRun(ctx context.Context, runID int64, status store.RunStatus, metrics json.RawMessage, runErr *string) error {
	return nil
}

func TestInteractionRecorderPersistsCall(t *testing.T) {
	st := &fakeInteractionStore{}
	rec := NewInteractionRecorder(st, nil)

	ctx := withStepID(context.Background(), 42)
	rec.RecordCall(ctx, &llm.CallRecord{
		RequestID: "req-1",
		Provider:  "anthropic",
		Model:     "claude-sonnet",
		Messages: []llm.Message{
			{Role: "system", Content: "tu es un agent"},
			{Role: "user", Content: "corrige le test"},
		},
		Response:         "fait",
		PromptTokens:     12,
		CompletionTokens: 3,
		LatencyMs:        250,
	})

	require.Len(t, st.rows, 1)
	row := st.rows[0]
	assert.Equal(t, int64(42), row.StepID)
	assert.Equal(t, "anthropic", row.Provider)
	assert.Equal(t, "system: tu es un agent\nuser: corrige le test", row.Prompt)
	assert.Equal(t, "fait", row.Response)
	assert.Equal(t, 12, row.PromptTokens)
	assert.Equal(t, int64(250), row.LatencyMs)
}

func TestInteractionRecorderSkipsOutsideStep(t *testing.T) {
	st := &fakeInteractionStore{}
	rec := NewInteractionRecorder(st, nil)

	rec.RecordCall(context.Background(), &llm.CallRecord{RequestID: "req-1"})
	assert.Empty(t, st.rows)
}

func TestInteractionRecorderKeepsFailedCalls(t *testing.T) {
	st := &fakeInteractionStore{}
	rec := NewInteractionRecorder(st, nil)

	rec.RecordCall(withStepID(context.Background(), 7), &llm.CallRecord{
		Provider: "openai",
		Error:    "all endpoints failed",
	})

	require.Len(t, st.rows, 1)
	assert.Equal(t, "ERROR: all endpoints failed", st.rows[0].Response)
}

func TestCheckpointBlobRestoresState(t *testing.T) {
	p := &stepPersister{stepID: 5}
	r := NewRuntime(p, nil)

	s := NewState("wf", "run-1")
	require.NoError(t, s.BindRunIDs(1, 10))
	s.WorkingDir = "/work/demo"
	s.ApplyResults(Results{KeyAIMessages: "analysis done"})
	s.MarkCompleted("analyze")

	r.Checkpoint(context.Background(), s, "analyze")
	require.NotNil(t, p.checkpoint)

	restored, err := RestoreState(p.checkpoint)
	require.NoError(t, err)
	assert.Equal(t, "run-1", restored.RunID)
	assert.Equal(t, int64(10), restored.DBRunID)
	assert.Equal(t, "/work/demo", restored.WorkingDir)
	assert.True(t, restored.HasCompleted("analyze"))
	assert.Equal(t, []string{"analysis done"}, restored.StringsResult(KeyAIMessages))
}

func TestRunNodeCarriesStepIDInContext(t *testing.T) {
	r := NewRuntime(&stepPersister{stepID: 99}, nil)
	s := NewState("wf", "run-1")
	require.NoError(t, s.BindRunIDs(1, 10))

	var seen int64
	node := func(ctx context.Context, s *State) (Results, error) {
		seen = StepIDFromContext(ctx)
		return Results{}, nil
	}

	_, err := r.RunNode(context.Background(), "analyze", node, s, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(99), seen)
}
