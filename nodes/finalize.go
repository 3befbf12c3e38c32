package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/store"
)

// FinalizePR commits the workspace, pushes the branch, and opens the pull
// request. This is the one node where missing preconditions fail the run:
// publishing unattributed or empty changes is worse than stopping.
func FinalizePR(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		cfg := deps.cfg()

		if s.BoolResult(engine.KeyFallbackMode) || s.BoolResult(engine.KeySkipGitHub) {
			return engine.Results{
				engine.KeySkipGitHub: true,
				engine.KeyAIMessages: "PR creation skipped: no usable repository checkout",
			}, nil
		}
		if s.DBTaskID == 0 || s.DBRunID == 0 {
			return nil, fmt.Errorf("cannot create pull request: run is not bound to database records")
		}
		if deps.Git == nil || deps.GitHub == nil {
			return nil, fmt.Errorf("cannot create pull request: git or github client missing")
		}

		repo, err := repoSlug(s.Task.RepositoryURL)
		if err != nil {
			return nil, err
		}
		branch := s.StringResult(engine.KeyBranchName)
		if branch == "" {
			return nil, fmt.Errorf("cannot create pull request: no branch recorded")
		}

		if err := deps.Git.AddAll(ctx, s.WorkingDir); err != nil {
			return nil, fmt.Errorf("stage changes: %w", err)
		}
		staged, err := deps.Git.DiffNamesCached(ctx, s.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("inspect staged changes: %w", err)
		}
		if len(staged) == 0 {
			return nil, fmt.Errorf("no staged changes to publish")
		}

		title := prTitle(s)
		if err := deps.Git.Commit(ctx, s.WorkingDir, commitMessage(s, title)); err != nil {
			return nil, fmt.Errorf("commit changes: %w", err)
		}
		headSHA, err := deps.Git.HeadSHA(ctx, s.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("read head commit: %w", err)
		}

		remote := authenticatedURL(s.Task.RepositoryURL, cfg.GitHub.Token)
		if err := deps.Git.Push(ctx, s.WorkingDir, branch, remote); err != nil {
			return nil, fmt.Errorf("push branch %s: %w", branch, err)
		}

		base := cfg.GitHub.BaseBranch
		if base == "" {
			base = "main"
		}
		pr, err := deps.GitHub.CreatePR(ctx, repo, title, prBody(s), branch, base)
		if err != nil {
			return nil, fmt.Errorf("open pull request: %w", err)
		}

		row := &store.PullRequest{
			TaskID:         s.DBTaskID,
			RunID:          s.DBRunID,
			ExternalNumber: pr.Number,
			URL:            pr.URL,
			Title:          title,
			HeadBranch:     branch,
			BaseBranch:     base,
			HeadSHA:        headSHA,
			Status:         store.PROpen,
		}
		if deps.Store != nil {
			if _, err := deps.Store.CreatePullRequest(ctx, row); err != nil {
				return nil, fmt.Errorf("record pull request: %w", err)
			}
		}

		return engine.Results{
			engine.KeyPRInfo: map[string]any{
				"number":   pr.Number,
				"url":      pr.URL,
				"branch":   branch,
				"base":     base,
				"head_sha": headSHA,
				"repo":     repo,
			},
			engine.KeyModifiedFiles: staged,
			engine.KeyAIMessages:    fmt.Sprintf("Opened PR #%d: %s", pr.Number, pr.URL),
		}, nil
	}
}

// repoSlug extracts "owner/repo" from an https or ssh remote URL.
func repoSlug(repoURL string) (string, error) {
	cleaned := strings.TrimSuffix(repoURL, ".git")
	if idx := strings.Index(cleaned, "github.com"); idx >= 0 {
		rest := strings.TrimLeft(cleaned[idx+len("github.com"):], ":/")
		parts := strings.Split(rest, "/")
		if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
			return parts[0] + "/" + parts[1], nil
		}
	}
	return "", fmt.Errorf("cannot derive owner/repo from %q", repoURL)
}

func prTitle(s *engine.State) string {
	if s.Task != nil && s.Task.Title != "" {
		return s.Task.Title
	}
	return "Automated change"
}

func prBody(s *engine.State) string {
	var b strings.Builder
	if changes, ok := s.Results[engine.KeyCodeChanges].(map[string]any); ok {
		if summary, _ := changes["summary"].(string); summary != "" {
			b.WriteString(summary + "\n\n")
		}
	}
	if qa, ok := s.Results[engine.KeyQualityAssurance].(map[string]any); ok {
		fmt.Fprintf(&b, "Quality score: %v/100\n", qa["overall_score"])
	}
	if last := s.LastTestResult(); last != nil {
		fmt.Fprintf(&b, "Tests passing: %v\n", last["success"])
	}
	if files := s.StringsResult(engine.KeyModifiedFiles); len(files) > 0 {
		b.WriteString("\nModified files:\n")
		for _, f := range files {
			b.WriteString("- " + f + "\n")
		}
	}
	return b.String()
}

func commitMessage(s *engine.State, title string) string {
	msg := title
	if s.Task != nil && s.Task.ExternalID != 0 {
		msg = fmt.Sprintf("%s (item %d)", title, s.Task.ExternalID)
	}
	return msg
}
