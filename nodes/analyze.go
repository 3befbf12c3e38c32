package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/llm"
)

const analyzeSystemPrompt = `You are a senior software engineer analyzing a work item before implementation.
Respond with a single JSON object:
{
  "summary": "one-paragraph restatement of the goal",
  "approach": "how to implement it",
  "files_to_touch": ["relative/paths"],
  "risks": ["known risks"],
  "acceptance_criteria": ["checks that prove completion"]
}`

// requirementsAnalysis is the structured output of the analysis step.
type requirementsAnalysis struct {
	Summary            string   `json:"summary"`
	Approach           string   `json:"approach"`
	FilesToTouch       []string `json:"files_to_touch"`
	Risks              []string `json:"risks"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// AnalyzeRequirements turns the task description into a structured plan.
// LLM failure degrades to a heuristic plan; analysis never fails the run.
func AnalyzeRequirements(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		logger := deps.logger()

		prompt := analysisPrompt(s)
		if deps.LLM == nil {
			return heuristicAnalysis(s, "no llm client configured"), nil
		}

		resp, err := deps.LLM.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: analyzeSystemPrompt},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			if llm.IsTransient(err) {
				return nil, err
			}
			logger.Warn("Analysis call failed permanently, using heuristic plan",
				"run_id", s.RunID, "error", err)
			return heuristicAnalysis(s, fmt.Sprintf("analysis llm call failed: %v", err)), nil
		}

		var analysis requirementsAnalysis
		if err := llm.DecodeObject(resp.Content, &analysis); err != nil {
			logger.Warn("Analysis output was not decodable, using heuristic plan",
				"run_id", s.RunID, "error", err)
			return heuristicAnalysis(s, "analysis output was not valid JSON"), nil
		}

		return engine.Results{
			engine.KeyRequirementsAnalysis: map[string]any{
				"summary":             analysis.Summary,
				"approach":            analysis.Approach,
				"files_to_touch":      analysis.FilesToTouch,
				"risks":               analysis.Risks,
				"acceptance_criteria": analysis.AcceptanceCriteria,
			},
			engine.KeyAIMessages: "Requirements analyzed: " + analysis.Summary,
		}, nil
	}
}

// analysisPrompt assembles the task, prior-run context, and modification
// instructions into one prompt.
func analysisPrompt(s *engine.State) string {
	var b strings.Builder
	if s.Task != nil {
		fmt.Fprintf(&b, "Title: %s\nType: %s\nPriority: %s\n\n%s\n",
			s.Task.Title, s.Task.TaskType, s.Task.Priority, s.Task.Description)
	}
	if s.ProjectLanguage != "" {
		fmt.Fprintf(&b, "\nProject language: %s\n", s.ProjectLanguage)
	}
	if s.TaskContext != "" {
		fmt.Fprintf(&b, "\nPrior context:\n%s\n", s.TaskContext)
	}
	if s.IsReactivation && s.ReactivationContext != "" {
		fmt.Fprintf(&b, "\nThis task was reactivated. Latest request:\n%s\n", s.ReactivationContext)
	}
	if instructions := s.StringResult(engine.KeyModInstructions); instructions != "" {
		fmt.Fprintf(&b, "\nReviewer asked for changes:\n%s\n", instructions)
	}
	return b.String()
}

func heuristicAnalysis(s *engine.State, reason string) engine.Results {
	summary := "Implement the requested change"
	if s.Task != nil && s.Task.Title != "" {
		summary = s.Task.Title
	}
	return engine.Results{
		engine.KeyRequirementsAnalysis: map[string]any{
			"summary":  summary,
			"approach": "apply the change directly from the task description",
			"degraded": true,
		},
		engine.KeyErrorLogs: reason,
	}
}
