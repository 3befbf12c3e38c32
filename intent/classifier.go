// Package intent classifies Monday comments into actionable intents.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vydata/taskpilot/llm"
)

// Type is the classified intent of an update.
type Type string

const (
	TypeNewRequest         Type = "new_request"
	TypeModification       Type = "modification"
	TypeBugReport          Type = "bug_report"
	TypeQuestion           Type = "question"
	TypeAffirmation        Type = "affirmation"
	TypeValidationResponse Type = "validation_response"
)

// ParseType parses an intent tag, rejecting unknown values.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeNewRequest, TypeModification, TypeBugReport,
		TypeQuestion, TypeAffirmation, TypeValidationResponse:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown intent type: %q", s)
	}
}

// ExtractedRequirements carries structured fields the LLM pulled out of a
// command-type update. All fields are optional overlays on the original task.
type ExtractedRequirements struct {
	Title             string   `json:"title,omitempty"`
	Description       string   `json:"description,omitempty"`
	TaskType          string   `json:"task_type,omitempty"`
	Priority          string   `json:"priority,omitempty"`
	Files             []string `json:"files,omitempty"`
	TechnicalKeywords []string `json:"technical_keywords,omitempty"`
}

// Classification is the classifier output.
type Classification struct {
	Type             Type                   `json:"type"`
	Confidence       float64                `json:"confidence"`
	RequiresWorkflow bool                   `json:"requires_workflow"`
	Reasoning        string                 `json:"reasoning"`
	Requirements     *ExtractedRequirements `json:"extracted_requirements,omitempty"`
}

// TaskContext gives the classifier the surrounding task state.
type TaskContext struct {
	Title       string
	Status      string
	Description string
}

// Classifier wraps the LLM with a deterministic keyword fallback.
type Classifier struct {
	client *llm.Client
	logger *slog.Logger
}

// NewClassifier creates a classifier over the given LLM client.
func NewClassifier(client *llm.Client, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, logger: logger}
}

const classifyPromptTemplate = `You classify comments left on a software task board.

Task title: %s
Task status: %s
Original request: %s

Comment to classify:
%s

Respond with a single JSON object:
{
  "type": "new_request" | "modification" | "bug_report" | "question" | "affirmation" | "validation_response",
  "confidence": 0.0-1.0,
  "requires_workflow": true | false,
  "reasoning": "one sentence",
  "extracted_requirements": {
    "title": "...", "description": "...", "task_type": "...",
    "priority": "...", "files": [], "technical_keywords": []
  } or null
}

requires_workflow is true only when code must change. Questions and
acknowledgements never require a workflow.`

// Classify runs the LLM classification with a keyword fallback.
// The fallback path never fails; it caps confidence at 0.5 and explains why.
func (c *Classifier) Classify(ctx context.Context, text string, taskCtx TaskContext) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{
			Type:             TypeAffirmation,
			Confidence:       1.0,
			RequiresWorkflow: false,
			Reasoning:        "empty input",
		}
	}

	if c.client != nil {
		if result, err := c.classifyLLM(ctx, trimmed, taskCtx); err == nil {
			return result
		} else {
			c.logger.Warn("LLM classification failed, using keyword fallback", "error", err)
		}
	}

	return classifyKeywords(trimmed)
}

func (c *Classifier) classifyLLM(ctx context.Context, text string, taskCtx TaskContext) (Classification, error) {
	prompt := fmt.Sprintf(classifyPromptTemplate,
		taskCtx.Title, taskCtx.Status, taskCtx.Description, text)

	resp, err := c.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are a precise intent classifier. Output only JSON."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return Classification{}, err
	}

	var result Classification
	if err := llm.DecodeObject(resp.Content, &result); err != nil {
		return Classification{}, fmt.Errorf("parse classification: %w", err)
	}

	if _, err := ParseType(string(result.Type)); err != nil {
		return Classification{}, err
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return result, nil
}

// keywordRules map deterministic patterns onto intents, checked in order.
// French and English forms both appear because requesters write in either.
var keywordRules = []struct {
	intentType       Type
	requiresWorkflow bool
	patterns         []string
}{
	{TypeValidationResponse, false, []string{
		"approve", "approuv", "valide", "validé", "reject", "rejet", "refus", "oui", "non", "lgtm",
	}},
	{TypeBugReport, true, []string{
		"bug", "error", "erreur", "crash", "broken", "cassé", "fail", "échoue", "ne marche pas", "ne fonctionne pas",
	}},
	{TypeModification, true, []string{
		"change", "modifie", "modifier", "update", "ajuste", "remplace", "corrige", "fix", "instead", "plutôt",
	}},
	{TypeQuestion, false, []string{
		"?", "pourquoi", "comment", "why", "how", "what", "quel", "quelle", "est-ce que",
	}},
	{TypeAffirmation, false, []string{
		"merci", "thanks", "ok", "parfait", "super", "great", "d'accord",
	}},
}

// classifyKeywords is the deterministic fallback classifier.
func classifyKeywords(text string) Classification {
	lower := strings.ToLower(text)

	for _, rule := range keywordRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(lower, pattern) {
				return Classification{
					Type:             rule.intentType,
					Confidence:       0.5,
					RequiresWorkflow: rule.requiresWorkflow,
					Reasoning:        fmt.Sprintf("keyword fallback matched %q", pattern),
				}
			}
		}
	}

	// Unmatched text defaults to a new work request.
	return Classification{
		Type:             TypeNewRequest,
		Confidence:       0.4,
		RequiresWorkflow: true,
		Reasoning:        "keyword fallback: no pattern matched, assuming work request",
	}
}
