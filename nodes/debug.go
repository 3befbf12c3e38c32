package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/llm"
	"github.com/vydata/taskpilot/store"
)

const debugSystemPrompt = `You are a senior software engineer fixing a failing test suite.
Respond with a single JSON object:
{
  "summary": "what is broken and why",
  "files": [{"path": "relative/path", "content": "full corrected file content"}]
}`

// DebugCode fixes a failing test run. Each execution counts toward the
// debug attempt bound; the counter increment travels in the node's results
// so routing stays a pure read.
func DebugCode(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		logger := deps.logger()
		attempt := s.IntResult(engine.KeyDebugAttempts) + 1

		results := engine.Results{engine.KeyDebugAttempts: attempt}

		if deps.LLM == nil {
			results[engine.KeyErrorLogs] = "debug skipped: no llm client configured"
			return results, nil
		}

		resp, err := deps.LLM.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: debugSystemPrompt},
				{Role: "user", Content: debugPrompt(s)},
			},
		})
		if err != nil {
			if llm.IsTransient(err) {
				return nil, err
			}
			logger.Warn("Debug call failed permanently", "run_id", s.RunID, "attempt", attempt, "error", err)
			results[engine.KeyErrorLogs] = fmt.Sprintf("debug attempt %d failed: %v", attempt, err)
			return results, nil
		}

		var fix implementation
		if err := llm.DecodeObject(resp.Content, &fix); err != nil || len(fix.Files) == 0 {
			results[engine.KeyErrorLogs] = fmt.Sprintf("debug attempt %d produced no usable fix", attempt)
			return results, nil
		}

		written, writeErrs := writeEdits(s.WorkingDir, fix.Files)
		if len(writeErrs) > 0 {
			results[engine.KeyErrorLogs] = writeErrs
		}
		results[engine.KeyModifiedFiles] = written
		results[engine.KeyAIMessages] = fmt.Sprintf("Debug attempt %d: fixed %d file(s)", attempt, len(written))

		if deps.Store != nil && s.DBRunID != 0 {
			gen := &store.CodeGeneration{
				RunID:         s.DBRunID,
				Provider:      resp.ProviderUsed,
				Model:         resp.Model,
				Type:          store.GenerationDebug,
				Prompt:        debugPrompt(s),
				Code:          mustJSON(map[string]any{"diagnosis": fix.Summary}),
				FilesModified: mustJSON(written),
				Tokens:        resp.Usage.TotalTokens,
				LatencyMs:     resp.LatencyMs,
			}
			if err := deps.Store.LogCodeGeneration(ctx, gen); err != nil {
				logger.Warn("Debug generation record failed", "run_id", s.RunID, "error", err)
			}
		}
		return results, nil
	}
}

func debugPrompt(s *engine.State) string {
	var b strings.Builder
	if s.Task != nil {
		fmt.Fprintf(&b, "Task: %s\n", s.Task.Title)
	}
	if last := s.LastTestResult(); last != nil {
		if output, _ := last["output"].(string); output != "" {
			fmt.Fprintf(&b, "\nFailing test output:\n%s\n", output)
		}
	}
	if files := s.StringsResult(engine.KeyModifiedFiles); len(files) > 0 {
		fmt.Fprintf(&b, "\nFiles modified so far: %s\n", strings.Join(files, ", "))
	}
	if errs := s.StringsResult(engine.KeyErrorLogs); len(errs) > 0 {
		fmt.Fprintf(&b, "\nRecorded errors:\n- %s\n", strings.Join(errs, "\n- "))
	}
	return b.String()
}

// OpenAIDebug is the post-validation escalation path: a reviewer asked the
// agent to dig deeper instead of approving or rejecting outright. It either
// triggers a full reimplementation, schedules a retest after targeted fixes,
// or declares the debug budget exhausted.
func OpenAIDebug(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		logger := deps.logger()
		cfg := deps.cfg()
		attempt := s.IntResult(engine.KeyHumanDebugTries) + 1

		results := engine.Results{
			engine.KeyHumanDebugTries: attempt,
			engine.KeyOpenAIDebugDone: true,
		}

		if attempt > cfg.Workflow.MaxHumanDebugAttempts {
			results[engine.KeyDebugLimitReached] = true
			results[engine.KeyErrorLogs] = fmt.Sprintf(
				"human-requested debug limit reached after %d attempts", attempt-1)
			return results, nil
		}

		if deps.LLM == nil {
			results[engine.KeyOpenAIDebugFailed] = true
			return results, nil
		}

		resp, err := deps.LLM.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: debugSystemPrompt},
				{Role: "user", Content: escalatedDebugPrompt(s)},
			},
		})
		if err != nil {
			if llm.IsTransient(err) {
				return nil, err
			}
			logger.Warn("Escalated debug call failed", "run_id", s.RunID, "error", err)
			results[engine.KeyOpenAIDebugFailed] = true
			results[engine.KeyErrorLogs] = fmt.Sprintf("escalated debug failed: %v", err)
			return results, nil
		}

		var fix implementation
		if err := llm.DecodeObject(resp.Content, &fix); err != nil {
			results[engine.KeyOpenAIDebugFailed] = true
			results[engine.KeyErrorLogs] = "escalated debug produced no usable output"
			return results, nil
		}

		// No file-level fix means the model wants a fresh implementation.
		if len(fix.Files) == 0 {
			results[engine.KeyTriggerReimplement] = true
			results[engine.KeyModInstructions] = fix.Summary
			results[engine.KeyReimplement] = true
			results[engine.KeyAIMessages] = "Escalated debug requested reimplementation: " + fix.Summary
			return results, nil
		}

		written, writeErrs := writeEdits(s.WorkingDir, fix.Files)
		if len(writeErrs) > 0 {
			results[engine.KeyErrorLogs] = writeErrs
		}
		results[engine.KeyModifiedFiles] = written
		results[engine.KeyAIMessages] = fmt.Sprintf(
			"Escalated debug attempt %d: patched %d file(s), retesting", attempt, len(written))
		return results, nil
	}
}

func escalatedDebugPrompt(s *engine.State) string {
	b := debugPrompt(s)
	if comments := s.StringResult(engine.KeyModInstructions); comments != "" {
		b += "\nReviewer feedback:\n" + comments + "\n"
	}
	b += "\nIf targeted fixes cannot work, return an empty files list and explain what to reimplement in summary."
	return b
}
