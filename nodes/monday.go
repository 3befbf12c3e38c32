package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/vydata/taskpilot/engine"
)

// UpdateMonday propagates the run outcome to the board: a completion
// comment plus the status column. Everything here is best-effort; the run's
// terminal status never depends on the board accepting the write.
func UpdateMonday(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		logger := deps.logger()
		cfg := deps.cfg()

		results := engine.Results{}
		status := FinalStatus(s)
		results[engine.KeyMondayFinalStatus] = status

		if deps.Board == nil || s.Task == nil || s.Task.ExternalID == 0 {
			return results, nil
		}
		externalID := s.Task.ExternalID

		if !s.BoolResult(engine.KeyReimplMessagePosted) {
			if _, err := deps.Board.PostUpdate(ctx, externalID, completionComment(s, status)); err != nil {
				logger.Warn("Completion comment post failed", "external_id", externalID, "error", err)
				results[engine.KeyErrorLogs] = fmt.Sprintf("completion comment failed: %v", err)
			}
		}

		if err := deps.Board.SetStatus(ctx, s.Task.BoardID, externalID, cfg.Monday.StatusColumnID, status); err != nil {
			logger.Warn("Status column update failed", "external_id", externalID, "status", status, "error", err)
			results[engine.KeyErrorLogs] = fmt.Sprintf("status update failed: %v", err)
		}

		return results, nil
	}
}

// FinalStatus derives the board status label from the run outcome.
// A successful merge always wins; an explicit override comes next.
func FinalStatus(s *engine.State) string {
	if s.BoolResult(engine.KeyMergeSuccessful) {
		return "Done"
	}
	if status := s.StringResult(engine.KeyMondayFinalStatus); status != "" {
		return status
	}
	if _, hasPR := s.Results[engine.KeyPRInfo]; hasPR {
		return "Working on it"
	}
	if len(s.StringsResult(engine.KeyErrorLogs)) > 0 {
		return "Stuck"
	}
	return "Done"
}

func completionComment(s *engine.State, status string) string {
	var b strings.Builder
	b.WriteString("🤖 Traitement terminé.\n")
	fmt.Fprintf(&b, "Statut: %s\n", status)

	if pr, ok := s.Results[engine.KeyPRInfo].(map[string]any); ok {
		if url, _ := pr["url"].(string); url != "" {
			if s.BoolResult(engine.KeyMergeSuccessful) {
				fmt.Fprintf(&b, "PR mergée: %s\n", url)
			} else {
				fmt.Fprintf(&b, "PR: %s\n", url)
			}
		}
	}
	if files := s.StringsResult(engine.KeyModifiedFiles); len(files) > 0 {
		fmt.Fprintf(&b, "Fichiers modifiés: %s\n", strings.Join(files, ", "))
	}
	if s.BoolResult(engine.KeyAutoApproved) {
		b.WriteString("Validation: approbation automatique après expiration du délai.\n")
	}
	if errs := s.StringsResult(engine.KeyErrorLogs); len(errs) > 0 && status == "Stuck" {
		fmt.Fprintf(&b, "Dernière erreur: %s\n", errs[len(errs)-1])
	}
	return b.String()
}
