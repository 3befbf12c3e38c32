package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vydata/taskpilot/engine"
)

// PrepareEnvironment provisions the per-run workspace: clone, branch,
// language detection, and a best-effort dependency install. Failures degrade
// to fallback mode with a minimal scaffold; this node never fails the run.
func PrepareEnvironment(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		logger := deps.logger()
		cfg := deps.cfg()

		root := cfg.Workflow.WorkspaceRoot
		if root == "" {
			root = os.TempDir()
		}
		dir := filepath.Join(root, "run-"+s.RunID)
		s.WorkingDir = dir

		branch := s.StringResult(engine.KeyBranchName)
		if branch == "" {
			branch = branchName(s)
		}

		results := engine.Results{engine.KeyBranchName: branch}

		repoURL := ""
		if s.Task != nil {
			repoURL = s.Task.RepositoryURL
		}
		if repoURL == "" || deps.Git == nil {
			logger.Warn("No repository to clone, using fallback scaffold", "run_id", s.RunID)
			return fallbackScaffold(dir, results, "no repository url configured")
		}

		cloneBranch := ""
		if s.IsReactivation {
			cloneBranch = s.SourceBranch
			if cloneBranch == "" {
				cloneBranch = "main"
			}
		}

		if err := deps.Git.Clone(ctx, authenticatedURL(repoURL, cfg.GitHub.Token), cloneBranch, dir); err != nil {
			logger.Warn("Clone failed, continuing in fallback mode", "run_id", s.RunID, "error", err)
			return fallbackScaffold(dir, results, fmt.Sprintf("clone failed: %v", err))
		}

		if !s.IsReactivation {
			if err := deps.Git.Checkout(ctx, dir, branch, true); err != nil {
				// Branch may exist from a previous attempt.
				if err2 := deps.Git.Checkout(ctx, dir, branch, false); err2 != nil {
					logger.Warn("Branch checkout failed, staying on default branch",
						"branch", branch, "error", err)
				}
			}
		}

		s.ProjectLanguage = detectLanguage(dir)
		installDependencies(ctx, dir, logger)
		results[engine.KeyAIMessages] = fmt.Sprintf(
			"Workspace ready: branch %s, language %s", branch, orUnknown(s.ProjectLanguage))
		return results, nil
	}
}

// installCommands maps manifest files to dependency installs, checked in order.
var installCommands = []struct {
	marker string
	name   string
	args   []string
}{
	{"go.mod", "go", []string{"mod", "download"}},
	{"package.json", "npm", []string{"install", "--no-audit", "--no-fund"}},
	{"requirements.txt", "pip", []string{"install", "-r", "requirements.txt"}},
	{"pyproject.toml", "pip", []string{"install", "-e", "."}},
}

// installCommand picks the dependency install for the workspace manifest.
func installCommand(dir string) (string, []string, bool) {
	for _, c := range installCommands {
		if _, err := os.Stat(filepath.Join(dir, c.marker)); err == nil {
			return c.name, c.args, true
		}
	}
	return "", nil, false
}

// installDependencies fetches the project's dependencies so the test suite
// can run. Best-effort: a failed install leaves the tests to report it.
func installDependencies(ctx context.Context, dir string, logger *slog.Logger) {
	name, args, ok := installCommand(dir)
	if !ok {
		return
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.Warn("Dependency install failed, continuing",
			"command", name, "error", err, "output", tail(string(out), 500))
		return
	}
	logger.Debug("Dependencies installed", "command", name)
}

func fallbackScaffold(dir string, results engine.Results, reason string) (engine.Results, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		results[engine.KeyErrorLogs] = fmt.Sprintf("scaffold creation failed: %v", err)
	}
	results[engine.KeyFallbackMode] = true
	results[engine.KeyErrorLogs] = reason
	return results, nil
}

// branchName derives a stable branch for the run.
func branchName(s *engine.State) string {
	externalID := int64(0)
	if s.Task != nil {
		externalID = s.Task.ExternalID
	}
	short := s.RunID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("taskpilot/%d-%s", externalID, short)
}

// authenticatedURL embeds the token into an https remote for pushes.
func authenticatedURL(repoURL, token string) string {
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(repoURL, "https://")
}

// languageMarkers maps manifest files to project languages, checked in order.
var languageMarkers = []struct {
	file     string
	language string
}{
	{"go.mod", "go"},
	{"package.json", "javascript"},
	{"pyproject.toml", "python"},
	{"requirements.txt", "python"},
	{"Cargo.toml", "rust"},
	{"pom.xml", "java"},
	{"build.gradle", "java"},
	{"composer.json", "php"},
	{"Gemfile", "ruby"},
}

func detectLanguage(dir string) string {
	for _, marker := range languageMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker.file)); err == nil {
			return marker.language
		}
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
