// Package router decides what happens to a classified Monday comment:
// answer it directly on the board, or reactivate the implementation workflow.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vydata/taskpilot/intent"
	"github.com/vydata/taskpilot/llm"
)

// Decision names the routing outcome.
type Decision string

const (
	// DecisionQuestionAnswered means the agent replied on the board directly.
	DecisionQuestionAnswered Decision = "question-answered"
	// DecisionCommandWorkflow means the comment triggered a workflow run.
	DecisionCommandWorkflow Decision = "command-workflow"
	// DecisionIgnored means the comment needed no action.
	DecisionIgnored Decision = "ignored"
)

// directReplyConfidence is the minimum classifier confidence for replying
// without a workflow. Below it we err on the side of running the workflow.
const directReplyConfidence = 0.7

// Poster posts agent replies back to the board.
type Poster interface {
	PostUpdate(ctx context.Context, itemID int64, body string) error
}

// WorkflowRequest is what the router hands to the orchestrator when a
// comment requires code changes.
type WorkflowRequest struct {
	ExternalID  int64
	Text        string
	Intent      intent.Classification
	// Overlay carries extracted requirement fields to merge over the task.
	Overlay *intent.ExtractedRequirements
	// PriorityWeight orders the request in the worker queue.
	PriorityWeight int
	// RAGContext is optional retrieved context from prior runs.
	RAGContext string
}

// Reactivator starts a workflow run from a routed comment.
type Reactivator interface {
	Reactivate(ctx context.Context, req WorkflowRequest) error
}

// priorityWeights maps extracted priority tags to queue weights.
var priorityWeights = map[string]int{
	"urgent": 9,
	"high":   7,
	"medium": 5,
	"low":    3,
}

// Router dispatches classified comments.
type Router struct {
	poster      Poster
	reactivator Reactivator
	client      *llm.Client
	logger      *slog.Logger
}

// New creates a router.
func New(poster Poster, reactivator Reactivator, client *llm.Client, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		poster:      poster,
		reactivator: reactivator,
		client:      client,
		logger:      logger,
	}
}

// Route dispatches one classified comment for an item.
// Comments that need no code change and were classified confidently get a
// direct reply; everything else reactivates the workflow.
func (r *Router) Route(ctx context.Context, itemID int64, text string, cls intent.Classification, taskCtx intent.TaskContext, ragContext string) (Decision, error) {
	if cls.Type == intent.TypeAffirmation {
		r.logger.Debug("Affirmation ignored", "item_id", itemID)
		return DecisionIgnored, nil
	}

	if !cls.RequiresWorkflow && cls.Confidence > directReplyConfidence {
		if err := r.answerDirectly(ctx, itemID, text, taskCtx, ragContext); err != nil {
			return "", fmt.Errorf("answer question on item %d: %w", itemID, err)
		}
		return DecisionQuestionAnswered, nil
	}

	req := WorkflowRequest{
		ExternalID:     itemID,
		Text:           text,
		Intent:         cls,
		Overlay:        cls.Requirements,
		PriorityWeight: weightFor(cls.Requirements),
		RAGContext:     ragContext,
	}
	if err := r.reactivator.Reactivate(ctx, req); err != nil {
		return "", fmt.Errorf("reactivate workflow for item %d: %w", itemID, err)
	}

	r.logger.Info("Comment routed to workflow",
		"item_id", itemID,
		"intent", cls.Type,
		"confidence", cls.Confidence,
		"priority_weight", req.PriorityWeight)
	return DecisionCommandWorkflow, nil
}

func weightFor(reqs *intent.ExtractedRequirements) int {
	if reqs == nil {
		return priorityWeights["medium"]
	}
	if w, ok := priorityWeights[strings.ToLower(reqs.Priority)]; ok {
		return w
	}
	return priorityWeights["medium"]
}

const answerPromptTemplate = `You are the engineering agent assigned to this task.

Task title: %s
Task status: %s
Original request: %s
%s
A team member asked:
%s

Answer concisely and concretely, in the same language as the question.
If you do not know, say so.`

// answerDirectly composes an answer with the LLM and posts it on the board.
// The reply carries the agent signature so it never re-triggers parsing.
func (r *Router) answerDirectly(ctx context.Context, itemID int64, question string, taskCtx intent.TaskContext, ragContext string) error {
	answer := "Je n'ai pas pu générer de réponse, merci de reformuler."

	if r.client != nil {
		contextBlock := ""
		if ragContext != "" {
			contextBlock = "Relevant history:\n" + ragContext + "\n"
		}
		prompt := fmt.Sprintf(answerPromptTemplate,
			taskCtx.Title, taskCtx.Status, taskCtx.Description, contextBlock, question)

		resp, err := r.client.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "user", Content: prompt},
			},
			MaxTokens: 1024,
		})
		if err != nil {
			r.logger.Warn("Answer generation failed, posting fallback", "item_id", itemID, "error", err)
		} else {
			answer = strings.TrimSpace(resp.Content)
		}
	}

	body := "\U0001F916 " + answer
	return r.poster.PostUpdate(ctx, itemID, body)
}
