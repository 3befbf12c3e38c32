package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vydata/taskpilot/engine"
)

// QualityAssurance runs deterministic static checks over the modified files
// and produces a quality score. No LLM involved; the score is reproducible.
func QualityAssurance(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		files := s.StringsResult(engine.KeyModifiedFiles)

		score := 100
		issues := []string{}

		if len(files) == 0 {
			score -= 40
			issues = append(issues, "no files were modified")
		}
		for _, f := range files {
			full := filepath.Join(s.WorkingDir, f)
			data, err := os.ReadFile(full)
			switch {
			case err != nil:
				score -= 15
				issues = append(issues, fmt.Sprintf("%s: listed as modified but unreadable", f))
			case len(data) == 0:
				score -= 10
				issues = append(issues, fmt.Sprintf("%s: empty file", f))
			case strings.Contains(string(data), "<<<<<<<"):
				score -= 25
				issues = append(issues, fmt.Sprintf("%s: unresolved merge conflict markers", f))
			}
		}
		if !lastTestPassed(s) {
			score -= 30
			issues = append(issues, "latest test run did not pass")
		}
		if errs := s.StringsResult(engine.KeyErrorLogs); len(errs) > 0 {
			score -= 5 * len(errs)
			issues = append(issues, fmt.Sprintf("%d error(s) recorded during the run", len(errs)))
		}
		if score < 0 {
			score = 0
		}

		return engine.Results{
			engine.KeyQualityAssurance: map[string]any{
				"overall_score": score,
				"issues":        issues,
				"files_checked": len(files),
			},
			engine.KeyAIMessages: fmt.Sprintf("Quality score %d/100 (%d issue(s))", score, len(issues)),
		}, nil
	}
}

// BrowserQualityAssurance drives the external browser QA service when it is
// configured; otherwise the node records a skip and moves on.
func BrowserQualityAssurance(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		if deps.BrowserQA == nil || !deps.BrowserQA.Enabled() {
			return engine.Results{
				engine.KeyBrowserQA: map[string]any{"skipped": true},
			}, nil
		}

		report, err := deps.BrowserQA.Run(ctx, previewURL(s))
		if err != nil {
			// Browser QA is advisory; a broken runner never blocks the PR.
			deps.logger().Warn("Browser QA run failed", "run_id", s.RunID, "error", err)
			return engine.Results{
				engine.KeyBrowserQA: map[string]any{"skipped": true, "error": err.Error()},
				engine.KeyErrorLogs: fmt.Sprintf("browser qa failed: %v", err),
			}, nil
		}

		return engine.Results{
			engine.KeyBrowserQA: map[string]any{
				"tests_total":    report.TestsTotal,
				"tests_passed":   report.TestsPassed,
				"tests_failed":   report.TestsFailed,
				"console_errors": report.ConsoleErrors,
				"passed":         report.Passed(),
			},
			engine.KeyAIMessages: fmt.Sprintf("Browser QA: %d/%d scenarios passed",
				report.TestsPassed, report.TestsTotal),
		}, nil
	}
}

// previewURL is where the browser QA service exercises the change. Without a
// deployed preview this is empty and the service falls back to its default.
func previewURL(s *engine.State) string {
	if qa, ok := s.Results[engine.KeyQualityAssurance].(map[string]any); ok {
		if u, _ := qa["preview_url"].(string); u != "" {
			return u
		}
	}
	return ""
}

func lastTestPassed(s *engine.State) bool {
	if s.BoolResult(engine.KeyNoTestsFound) {
		return true
	}
	last := s.LastTestResult()
	if last == nil {
		return true
	}
	passed, _ := last["success"].(bool)
	return passed
}
