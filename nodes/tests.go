package nodes

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/store"
)

// RunTests executes the project's test suite and records the outcome.
// A workspace without a recognizable test command sets no_tests_found
// instead of failing.
func RunTests(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		logger := deps.logger()

		if deps.Tests == nil || s.BoolResult(engine.KeyFallbackMode) {
			return engine.Results{
				engine.KeyNoTestsFound: true,
				engine.KeyTestSuccess:  true,
				engine.KeyAIMessages:   "Test execution skipped: no runner available",
			}, nil
		}

		report, err := deps.Tests.Run(ctx, s.WorkingDir)
		if err != nil {
			logger.Warn("Test execution failed to start", "run_id", s.RunID, "error", err)
			return engine.Results{
				engine.KeyNoTestsFound: true,
				engine.KeyTestSuccess:  true,
				engine.KeyErrorLogs:    fmt.Sprintf("test runner unavailable: %v", err),
			}, nil
		}

		recordTestResult(ctx, deps, s, report)

		results := engine.Results{
			engine.KeyTestSuccess: report.Success,
			engine.KeyTestResults: map[string]any{
				"success":          report.Success,
				"total_tests":      report.TotalTests,
				"passed_tests":     report.PassedTests,
				"failed_tests":     report.FailedTests,
				"output":           tail(report.Output, 4000),
				"duration_seconds": report.DurationSeconds,
			},
			engine.KeyAIMessages: fmt.Sprintf("Tests: %d passed, %d failed",
				report.PassedTests, report.FailedTests),
		}

		// Still failing with the debug budget spent: the workflow will carry
		// on with a failing suite, so leave the reason in the error trail.
		attempts := s.IntResult(engine.KeyDebugAttempts)
		if !report.Success && attempts >= deps.cfg().Workflow.MaxDebugAttempts {
			results[engine.KeyErrorLogs] = fmt.Sprintf(
				"Tests échoués après %d tentatives de debug", attempts)
		}

		return results, nil
	}
}

func recordTestResult(ctx context.Context, deps *Deps, s *engine.State, report *TestReport) {
	if deps.Store == nil || s.DBRunID == 0 {
		return
	}
	res := &store.TestResult{
		RunID:           s.DBRunID,
		Passed:          report.Success,
		TotalTests:      report.TotalTests,
		PassedTests:     report.PassedTests,
		FailedTests:     report.FailedTests,
		SkippedTests:    report.SkippedTests,
		Report:          mustJSON(report),
		DurationSeconds: report.DurationSeconds,
	}
	if err := deps.Store.LogTestResult(ctx, res); err != nil {
		deps.logger().Warn("Test result record failed", "run_id", s.RunID, "error", err)
	}
}

// tail keeps the last n bytes of test output; failures show up at the end.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ExecTestRunner runs the project's native test command, detected from
// manifest files in the workspace.
type ExecTestRunner struct {
	// Timeout bounds one test command. Zero means the caller's context rules.
	Timeout time.Duration
}

// testCommands maps manifest files to test invocations, checked in order.
var testCommands = []struct {
	marker string
	name   string
	args   []string
}{
	{"go.mod", "go", []string{"test", "./..."}},
	{"package.json", "npm", []string{"test", "--", "--watchAll=false"}},
	{"pyproject.toml", "python", []string{"-m", "pytest", "-q"}},
	{"requirements.txt", "python", []string{"-m", "pytest", "-q"}},
}

var goTestCountPattern = regexp.MustCompile(`(?m)^(ok|FAIL|---)\s`)
var pytestSummaryPattern = regexp.MustCompile(`(\d+) passed|(\d+) failed`)

// Run detects and executes the test command. An unrecognized project
// returns an error so the node can mark no_tests_found.
func (r *ExecTestRunner) Run(ctx context.Context, dir string) (*TestReport, error) {
	name, args, err := r.detect(dir)
	if err != nil {
		return nil, err
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, runErr := cmd.CombinedOutput()

	report := &TestReport{
		Success:         runErr == nil,
		Output:          string(out),
		DurationSeconds: time.Since(started).Seconds(),
	}
	report.TotalTests, report.PassedTests, report.FailedTests = countTests(string(out))
	if report.TotalTests == 0 && report.Success {
		report.TotalTests = 1
		report.PassedTests = 1
	}
	return report, nil
}

func (r *ExecTestRunner) detect(dir string) (string, []string, error) {
	for _, c := range testCommands {
		if _, err := os.Stat(filepath.Join(dir, c.marker)); err == nil {
			return c.name, c.args, nil
		}
	}
	return "", nil, fmt.Errorf("no test command detected in %s", dir)
}

// countTests extracts rough counts from go test or pytest output. Exact
// numbers are informational; Success is what routing uses.
func countTests(output string) (total, passed, failed int) {
	for _, m := range goTestCountPattern.FindAllString(output, -1) {
		total++
		switch m[0] {
		case 'o':
			passed++
		case 'F', '-':
			failed++
		}
	}
	if total > 0 {
		return total, passed, failed
	}
	for _, m := range pytestSummaryPattern.FindAllStringSubmatch(output, -1) {
		if m[1] != "" {
			n, _ := strconv.Atoi(m[1])
			passed += n
		}
		if m[2] != "" {
			n, _ := strconv.Atoi(m[2])
			failed += n
		}
	}
	return passed + failed, passed, failed
}
