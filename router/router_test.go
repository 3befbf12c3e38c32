package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vydata/taskpilot/intent"
)

type fakePoster struct {
	posts []string
	items []int64
}

func (f *fakePoster) PostUpdate(ctx context.Context, itemID int64, body string) error {
	f.items = append(f.items, itemID)
	f.posts = append(f.posts, body)
	return nil
}

type fakeReactivator struct {
	requests []WorkflowRequest
}

func (f *fakeReactivator) Reactivate(ctx context.Context, req WorkflowRequest) error {
	f.requests = append(f.requests, req)
	return nil
}

func TestRouteConfidentQuestionGetsDirectReply(t *testing.T) {
	poster := &fakePoster{}
	reactivator := &fakeReactivator{}
	r := New(poster, reactivator, nil, nil)

	cls := intent.Classification{
		Type:             intent.TypeQuestion,
		Confidence:       0.9,
		RequiresWorkflow: false,
	}
	decision, err := r.Route(context.Background(), 42, "is this live yet?", cls, intent.TaskContext{}, "")
	require.NoError(t, err)

	assert.Equal(t, DecisionQuestionAnswered, decision)
	require.Len(t, poster.posts, 1)
	assert.Equal(t, int64(42), poster.items[0])
	// Replies must carry the agent signature to avoid self-trigger loops.
	assert.Contains(t, poster.posts[0], "\U0001F916")
	assert.Empty(t, reactivator.requests)
}

func TestRouteLowConfidenceQuestionRunsWorkflow(t *testing.T) {
	poster := &fakePoster{}
	reactivator := &fakeReactivator{}
	r := New(poster, reactivator, nil, nil)

	cls := intent.Classification{
		Type:             intent.TypeQuestion,
		Confidence:       0.5,
		RequiresWorkflow: false,
	}
	decision, err := r.Route(context.Background(), 42, "does the export handle utf8", cls, intent.TaskContext{}, "")
	require.NoError(t, err)

	assert.Equal(t, DecisionCommandWorkflow, decision)
	assert.Empty(t, poster.posts)
	require.Len(t, reactivator.requests, 1)
}

func TestRouteWorkflowCarriesOverlayAndWeight(t *testing.T) {
	reactivator := &fakeReactivator{}
	r := New(&fakePoster{}, reactivator, nil, nil)

	cls := intent.Classification{
		Type:             intent.TypeModification,
		Confidence:       0.95,
		RequiresWorkflow: true,
		Requirements: &intent.ExtractedRequirements{
			Title:    "Rename login button",
			Priority: "urgent",
			Files:    []string{"web/login.tsx"},
		},
	}
	decision, err := r.Route(context.Background(), 7, "rename the button", cls, intent.TaskContext{}, "prior run context")
	require.NoError(t, err)

	assert.Equal(t, DecisionCommandWorkflow, decision)
	req := reactivator.requests[0]
	assert.Equal(t, int64(7), req.ExternalID)
	assert.Equal(t, 9, req.PriorityWeight)
	assert.Equal(t, "prior run context", req.RAGContext)
	require.NotNil(t, req.Overlay)
	assert.Equal(t, "Rename login button", req.Overlay.Title)
}

func TestRouteDefaultWeightIsMedium(t *testing.T) {
	reactivator := &fakeReactivator{}
	r := New(&fakePoster{}, reactivator, nil, nil)

	cls := intent.Classification{
		Type:             intent.TypeBugReport,
		Confidence:       0.8,
		RequiresWorkflow: true,
	}
	_, err := r.Route(context.Background(), 7, "the page crashes", cls, intent.TaskContext{}, "")
	require.NoError(t, err)
	assert.Equal(t, 5, reactivator.requests[0].PriorityWeight)
}

func TestRouteAffirmationIgnored(t *testing.T) {
	poster := &fakePoster{}
	reactivator := &fakeReactivator{}
	r := New(poster, reactivator, nil, nil)

	cls := intent.Classification{Type: intent.TypeAffirmation, Confidence: 1.0}
	decision, err := r.Route(context.Background(), 7, "merci", cls, intent.TaskContext{}, "")
	require.NoError(t, err)

	assert.Equal(t, DecisionIgnored, decision)
	assert.Empty(t, poster.posts)
	assert.Empty(t, reactivator.requests)
}
