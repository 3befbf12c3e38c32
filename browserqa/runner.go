// Package browserqa calls an external browser QA service that exercises a
// deployed preview in a headless browser and reports what it saw.
package browserqa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Report is the outcome of one browser QA session.
type Report struct {
	TestsTotal         int                `json:"tests_total"`
	TestsPassed        int                `json:"tests_passed"`
	TestsFailed        int                `json:"tests_failed"`
	ConsoleErrors      []string           `json:"console_errors"`
	Screenshots        []string           `json:"screenshots"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics"`
}

// Passed reports whether the session saw no failures and no console errors.
func (r *Report) Passed() bool {
	return r.TestsFailed == 0 && len(r.ConsoleErrors) == 0
}

// Runner submits QA sessions to the external service.
type Runner struct {
	serviceURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRunner creates a runner. serviceURL empty means QA is disabled; Run
// then returns an error and callers skip the node.
func NewRunner(serviceURL string, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Runner{
		serviceURL: serviceURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Enabled reports whether a QA service is configured.
func (r *Runner) Enabled() bool {
	return r != nil && r.serviceURL != ""
}

// Run executes a QA session against baseURL.
func (r *Runner) Run(ctx context.Context, baseURL string) (*Report, error) {
	if !r.Enabled() {
		return nil, fmt.Errorf("browser qa service not configured")
	}

	payload, err := json.Marshal(map[string]string{"base_url": baseURL})
	if err != nil {
		return nil, fmt.Errorf("marshal qa request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serviceURL+"/run", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create qa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser qa request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read qa response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("browser qa status %d: %s", resp.StatusCode, body)
	}

	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decode qa report: %w", err)
	}

	r.logger.Info("Browser QA session finished",
		"base_url", baseURL,
		"passed", report.TestsPassed,
		"failed", report.TestsFailed,
		"console_errors", len(report.ConsoleErrors))
	return &report, nil
}
