package nodes

import (
	"context"
	"fmt"

	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/store"
)

// MergeAfterValidation merges the approved pull request and records the
// outcome. Merge failure is reported downstream instead of failing the run:
// the board update must still happen.
func MergeAfterValidation(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		logger := deps.logger()

		pr, ok := s.Results[engine.KeyPRInfo].(map[string]any)
		if !ok {
			return engine.Results{
				engine.KeyMergeSuccessful: false,
				engine.KeyErrorLogs:       "merge requested but no pull request was recorded",
			}, nil
		}
		repo, _ := pr["repo"].(string)
		number := prNumber(pr)
		branch, _ := pr["branch"].(string)
		url, _ := pr["url"].(string)

		if deps.GitHub == nil || repo == "" || number == 0 {
			return engine.Results{
				engine.KeyMergeSuccessful: false,
				engine.KeyErrorLogs:       "merge requested but the pull request reference is incomplete",
			}, nil
		}

		sha, err := deps.GitHub.MergePR(ctx, repo, number, "", commitMessage(s, prTitle(s)))
		if err != nil {
			logger.Warn("Merge failed", "repo", repo, "pr", number, "error", err)
			return engine.Results{
				engine.KeyMergeSuccessful: false,
				engine.KeyErrorLogs:       fmt.Sprintf("merge of PR #%d failed: %v", number, err),
			}, nil
		}

		if deps.Store != nil && s.DBRunID != 0 {
			if err := deps.Store.UpdatePullRequestStatus(ctx, s.DBRunID, store.PRMerged, &sha); err != nil {
				logger.Warn("PR status record failed", "run_id", s.RunID, "error", err)
			}
			if url != "" {
				if err := deps.Store.UpdateLastMergedPRURL(ctx, s.DBRunID, url); err != nil {
					logger.Warn("Merged PR URL record failed", "run_id", s.DBRunID, "error", err)
				}
			}
		}

		if branch != "" {
			// Cleanup only; a surviving branch is harmless.
			if err := deps.GitHub.DeleteBranch(ctx, repo, branch); err != nil {
				logger.Debug("Branch cleanup failed", "branch", branch, "error", err)
			}
		}

		return engine.Results{
			engine.KeyMergeSuccessful: true,
			engine.KeyAIMessages:      fmt.Sprintf("Merged PR #%d (%s)", number, sha),
		}, nil
	}
}

func prNumber(pr map[string]any) int {
	switch v := pr["number"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
