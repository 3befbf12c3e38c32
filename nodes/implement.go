package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/llm"
	"github.com/vydata/taskpilot/store"
)

const implementSystemPrompt = `You are a senior software engineer. Produce complete file contents for the requested change.
Respond with a single JSON object:
{
  "summary": "what was changed and why",
  "files": [{"path": "relative/path", "content": "full file content"}]
}
Every file in "files" is written verbatim; include the whole file, not a diff.`

// fileEdit is one generated file in the implementation output.
type fileEdit struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type implementation struct {
	Summary string     `json:"summary"`
	Files   []fileEdit `json:"files"`
}

// ImplementTask generates code for the task and writes it into the
// workspace. Permanent LLM failure degrades to an error log entry so the
// run can still surface a useful outcome downstream.
func ImplementTask(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		logger := deps.logger()

		if deps.LLM == nil {
			return engine.Results{
				engine.KeyImplementSuccess: false,
				engine.KeyErrorLogs:        "implementation skipped: no llm client configured",
			}, nil
		}

		genType := store.GenerationInitial
		if s.BoolResult(engine.KeyReimplement) {
			genType = store.GenerationModification
		}

		started := time.Now()
		resp, err := deps.LLM.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: implementSystemPrompt},
				{Role: "user", Content: implementPrompt(s)},
			},
		})
		if err != nil {
			if llm.IsTransient(err) {
				return nil, err
			}
			logger.Warn("Implementation call failed permanently",
				"run_id", s.RunID, "error", err)
			return engine.Results{
				engine.KeyImplementSuccess: false,
				engine.KeyErrorLogs:        fmt.Sprintf("implementation llm call failed: %v", err),
			}, nil
		}

		var impl implementation
		if err := llm.DecodeObject(resp.Content, &impl); err != nil {
			return engine.Results{
				engine.KeyImplementSuccess: false,
				engine.KeyErrorLogs:        "implementation output was not valid JSON",
			}, nil
		}
		if len(impl.Files) == 0 {
			return engine.Results{
				engine.KeyImplementSuccess: false,
				engine.KeyErrorLogs:        "implementation produced no files",
			}, nil
		}

		written, writeErrs := writeEdits(s.WorkingDir, impl.Files)
		recordGeneration(ctx, deps, s, genType, resp, impl, written, started)

		results := engine.Results{
			engine.KeyImplementSuccess: len(written) > 0,
			engine.KeyModifiedFiles:    written,
			engine.KeyCodeChanges: map[string]any{
				"summary": impl.Summary,
				"files":   written,
			},
			engine.KeyAIMessages: fmt.Sprintf("Implemented %d file(s): %s", len(written), impl.Summary),
		}
		if genType == store.GenerationModification {
			// One reimplementation per rejection; the flags are consumed here
			// so the next cycle reports its own outcome.
			results[engine.KeyReimplement] = false
			results[engine.KeyReimplMessagePosted] = false
		}
		if len(writeErrs) > 0 {
			results[engine.KeyErrorLogs] = writeErrs
		}
		return results, nil
	}
}

func implementPrompt(s *engine.State) string {
	var b strings.Builder
	if s.Task != nil {
		fmt.Fprintf(&b, "Task: %s\n\n%s\n", s.Task.Title, s.Task.Description)
	}
	if analysis, ok := s.Results[engine.KeyRequirementsAnalysis].(map[string]any); ok {
		if summary, _ := analysis["summary"].(string); summary != "" {
			fmt.Fprintf(&b, "\nPlan: %s\n", summary)
		}
		if approach, _ := analysis["approach"].(string); approach != "" {
			fmt.Fprintf(&b, "Approach: %s\n", approach)
		}
	}
	if s.ProjectLanguage != "" {
		fmt.Fprintf(&b, "\nProject language: %s\n", s.ProjectLanguage)
	}
	if s.BoolResult(engine.KeyReimplement) {
		fmt.Fprintf(&b, "\nThe previous attempt was rejected by the reviewer. Their instructions take priority:\n%s\n",
			s.StringResult(engine.KeyModInstructions))
	}
	return b.String()
}

// writeEdits writes generated files under the workspace, rejecting paths
// that escape it.
func writeEdits(root string, edits []fileEdit) (written []string, errs []string) {
	for _, edit := range edits {
		if edit.Path == "" {
			continue
		}
		clean := filepath.Clean(edit.Path)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			errs = append(errs, fmt.Sprintf("refused path outside workspace: %s", edit.Path))
			continue
		}
		full := filepath.Join(root, clean)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			errs = append(errs, fmt.Sprintf("create dir for %s: %v", clean, err))
			continue
		}
		if err := os.WriteFile(full, []byte(edit.Content), 0o644); err != nil {
			errs = append(errs, fmt.Sprintf("write %s: %v", clean, err))
			continue
		}
		written = append(written, clean)
	}
	return written, errs
}

// recordGeneration persists the artifact; failures only log.
func recordGeneration(ctx context.Context, deps *Deps, s *engine.State,
	genType store.GenerationType, resp *llm.Response, impl implementation,
	written []string, started time.Time) {

	if deps.Store == nil || s.DBRunID == 0 {
		return
	}
	gen := &store.CodeGeneration{
		RunID:         s.DBRunID,
		Provider:      resp.ProviderUsed,
		Model:         resp.Model,
		Type:          genType,
		Prompt:        implementPrompt(s),
		Code:          mustJSON(map[string]any{"summary": impl.Summary}),
		FilesModified: mustJSON(written),
		Tokens:        resp.Usage.TotalTokens,
		LatencyMs:     time.Since(started).Milliseconds(),
	}
	if err := deps.Store.LogCodeGeneration(ctx, gen); err != nil {
		deps.logger().Warn("Code generation record failed", "run_id", s.RunID, "error", err)
	}
}
