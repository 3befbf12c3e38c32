package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/mention"
	"github.com/vydata/taskpilot/notify"
	"github.com/vydata/taskpilot/validation"
)

// replyPollInterval is how often the Monday thread is checked for a human
// reply while the wait is open. Overridable in tests.
var replyPollInterval = 15 * time.Second

// maxRejectionRetries bounds the reject-and-reimplement loop.
const maxRejectionRetries = 3

// MondayValidation opens a human-approval ticket, posts the validation
// request on the Monday item, and blocks until a decision, the timeout, or
// the auto-approve policy resolves it. Replies on the Monday thread are
// bridged into the validation store while the wait is open.
func MondayValidation(deps *Deps) engine.NodeFunc {
	return func(ctx context.Context, s *engine.State) (engine.Results, error) {
		logger := deps.logger()

		if s.BoolResult(engine.KeySkipGitHub) {
			return engine.Results{
				engine.KeyHumanDecision: "skipped",
				engine.KeyAIMessages:    "Validation skipped: nothing was published",
			}, nil
		}

		externalID := int64(0)
		title := ""
		requestedBy := ""
		if s.Task != nil {
			externalID = s.Task.ExternalID
			title = s.Task.Title
			requestedBy = s.Task.CreatedBy
		}

		validationID, ok := createTicket(ctx, deps, s, title, requestedBy)
		if !ok {
			// Ticket creation is best-effort; the run resolves from local
			// evidence instead of stalling.
			logger.Warn("Validation ticket creation failed, deciding locally", "run_id", s.RunID)
			return localDecision(s), nil
		}

		updateID := postValidationRequest(ctx, deps, s, externalID, validationID)

		if deps.Queue != nil {
			if queueID := s.StringResult(engine.KeyQueueID); queueID != "" {
				if err := deps.Queue.MarkWaitingValidation(externalID, queueID); err != nil {
					logger.Warn("Queue wait marking failed", "queue_id", queueID, "error", err)
				}
			}
		}

		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		if deps.Board != nil && updateID != "" {
			go watchReplies(watchCtx, deps, s, externalID, updateID, validationID)
		}

		outcome, err := awaitDecision(ctx, deps, s, validationID, updateID, title)
		if err != nil {
			return nil, fmt.Errorf("await validation %s: %w", validationID, err)
		}

		results := decisionResults(s, outcome)
		results[engine.KeyValidationID] = validationID
		if decision, _ := results[engine.KeyHumanDecision].(string); decision == "rejected-with-retry" {
			postReimplementationNotice(ctx, deps, s, externalID, results)
		}
		return results, nil
	}
}

func createTicket(ctx context.Context, deps *Deps, s *engine.State, title, requestedBy string) (string, bool) {
	if deps.Validations == nil {
		return "", false
	}
	original := ""
	if s.Task != nil {
		original = s.Task.Description
	}
	return deps.Validations.CreateRequest(ctx, validation.CreateInput{
		TaskID:          s.DBTaskID,
		RunID:           s.DBRunID,
		StepID:          s.StepID,
		ValidationType:  "pr_review",
		// The round counter keys each validation cycle separately, so a
		// reimplemented PR opens a fresh ticket instead of replaying the
		// decision that rejected it.
		IdempotenceKey: fmt.Sprintf("%s:pr_review:%d", s.RunID,
			s.IntResult(engine.KeyRejectionCount)+s.IntResult(engine.KeyHumanDebugTries)),
		TaskTitle:       title,
		OriginalRequest: original,
		CodeSummary:     changeSummary(s),
		GeneratedCode:   s.Results[engine.KeyCodeChanges],
		FilesModified:   s.StringsResult(engine.KeyModifiedFiles),
		TestResults:     s.LastTestResult(),
		PRInfo:          s.Results[engine.KeyPRInfo],
		RequestedBy:     requestedBy,
		TTL:             deps.cfg().Validation.RequestTTL,
	})
}

// postValidationRequest posts the approval prompt on the Monday item and
// returns the update id replies will thread under.
func postValidationRequest(ctx context.Context, deps *Deps, s *engine.State, externalID int64, validationID string) string {
	if deps.Board == nil || externalID == 0 {
		return ""
	}
	body := fmt.Sprintf(
		"🤖 [VALIDATION] La pull request est prête.\n%s\nRépondez « oui » pour approuver et merger, « non » pour rejeter (ajoutez vos instructions pour relancer), ou « debug » pour une analyse approfondie.\nRéférence: %s",
		prLine(s), validationID)
	updateID, err := deps.Board.PostUpdate(ctx, externalID, body)
	if err != nil {
		deps.logger().Warn("Validation prompt post failed", "external_id", externalID, "error", err)
		return ""
	}
	return updateID
}

func prLine(s *engine.State) string {
	if pr, ok := s.Results[engine.KeyPRInfo].(map[string]any); ok {
		if url, _ := pr["url"].(string); url != "" {
			return "PR: " + url
		}
	}
	return ""
}

// watchReplies polls the validation thread and submits the first human
// decision it can parse. It exits when a reply lands or the wait closes.
func watchReplies(ctx context.Context, deps *Deps, s *engine.State, externalID int64, updateID, validationID string) {
	logger := deps.logger()
	ticker := time.NewTicker(replyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		replies, err := deps.Board.PollReplies(ctx, externalID, updateID)
		if err != nil {
			logger.Debug("Reply poll failed", "update_id", updateID, "error", err)
			continue
		}
		for _, reply := range replies {
			if mention.IsAgentMessage(reply.Body) {
				continue
			}
			resp := parseReplyDecision(reply.Body, s)
			if resp == nil {
				continue
			}
			resp.ValidationID = validationID
			resp.ValidatedBy = reply.CreatorID
			if err := deps.Validations.SubmitResponse(ctx, validationID, resp); err != nil {
				logger.Warn("Reply decision submit failed", "validation_id", validationID, "error", err)
			}
			return
		}
	}
}

var approveWords = []string{"oui", "ok", "approve", "approuve", "valide", "lgtm", "merge", "go", "✅"}
var rejectWords = []string{"non", "no", "reject", "rejet", "refuse", "❌"}

// parseReplyDecision maps a free-form Monday reply to a validation response.
// Unrecognized replies return nil and are ignored.
func parseReplyDecision(body string, s *engine.State) *validation.Response {
	text := strings.TrimSpace(body)
	lower := strings.ToLower(text)
	if lower == "" {
		return nil
	}

	if strings.Contains(lower, "debug") {
		return &validation.Response{
			ResponseStatus:         validation.StatusRejected,
			ShouldContinueWorkflow: true,
			Comments:               text,
		}
	}
	for _, w := range approveWords {
		if strings.HasPrefix(lower, w) {
			return &validation.Response{
				ResponseStatus: validation.StatusApproved,
				ShouldMerge:    true,
				Comments:       text,
			}
		}
	}
	for _, w := range rejectWords {
		if strings.HasPrefix(lower, w) {
			instructions := strings.TrimLeft(text[len(w):], " \t,.:;-")
			resp := &validation.Response{
				ResponseStatus: validation.StatusRejected,
				Comments:       text,
				RejectionCount: s.IntResult(engine.KeyRejectionCount) + 1,
			}
			if instructions != "" {
				resp.ShouldRetryWorkflow = true
				resp.ModificationInstructions = instructions
			}
			return resp
		}
	}
	return nil
}

func awaitDecision(ctx context.Context, deps *Deps, s *engine.State, validationID, updateID, title string) (*notify.Outcome, error) {
	cfg := deps.cfg()

	slackUserID := ""
	if deps.Users != nil && cfg.Slack.FallbackEmail != "" {
		if id, err := deps.Users.LookupUserByEmail(ctx, cfg.Slack.FallbackEmail); err == nil {
			slackUserID = id
		}
	}

	in := notify.WaitInput{
		ValidationID:   validationID,
		UpdateID:       updateID,
		SlackUserID:    slackUserID,
		EmailFallback:  cfg.Slack.FallbackEmail,
		TaskID:         s.DBTaskID,
		TaskTitle:      title,
		PRURL:          strings.TrimPrefix(prLine(s), "PR: "),
		ReminderDelay:  cfg.Validation.ReminderDelay,
		FinalTimeout:   cfg.Validation.CommandTimeout,
		IsCommand:      true,
		LastTestPassed: lastTestPassed(s),
		ErrorLogs:      s.StringsResult(engine.KeyErrorLogs),
		ModifiedFiles:  s.StringsResult(engine.KeyModifiedFiles),
	}
	if s.Task != nil {
		in.ExternalID = s.Task.ExternalID
	}
	return deps.Coordinator.Await(ctx, in)
}

// decisionResults maps a wait outcome to the routing keys.
func decisionResults(s *engine.State, outcome *notify.Outcome) engine.Results {
	results := engine.Results{}

	switch {
	case outcome.Response != nil:
		resp := outcome.Response
		results[engine.KeyHumanValidationState] = resp.ResponseStatus
		switch resp.ResponseStatus {
		case validation.StatusApproved:
			results[engine.KeyHumanDecision] = "approved"
			results[engine.KeyShouldMerge] = resp.ShouldMerge
			if issues := openIssues(s); len(issues) > 0 {
				// Human approval trumps the automated signals; record them.
				results[engine.KeyHumanOverride] = true
				results[engine.KeyHumanOverrideIssues] = issues
			}
		case validation.StatusRejected:
			switch {
			case resp.ShouldContinueWorkflow:
				results[engine.KeyHumanDecision] = "debug"
				results[engine.KeyModInstructions] = resp.Comments
			case resp.ShouldRetryWorkflow && resp.RejectionCount < maxRejectionRetries:
				results[engine.KeyHumanDecision] = "rejected-with-retry"
				results[engine.KeyReimplement] = true
				results[engine.KeyModInstructions] = resp.ModificationInstructions
				results[engine.KeyRejectionCount] = resp.RejectionCount
			default:
				results[engine.KeyHumanDecision] = "rejected"
				if resp.RejectionCount > 0 {
					results[engine.KeyRejectionCount] = resp.RejectionCount
				}
			}
		case validation.StatusAbandoned, validation.StatusCancelled:
			results[engine.KeyHumanDecision] = "abandoned"
		default:
			results[engine.KeyHumanDecision] = "timeout"
		}

	case outcome.AutoApproved:
		results[engine.KeyHumanDecision] = "approve_auto"
		results[engine.KeyAutoApproved] = true
		results[engine.KeyShouldMerge] = true
		results[engine.KeyHumanValidationState] = validation.StatusApproved

	default:
		results[engine.KeyHumanDecision] = "timeout"
		results[engine.KeyHumanValidationState] = validation.StatusExpired
		results[engine.KeyAIMessages] = "Validation expired: " + outcome.Reason
	}

	return results
}

// minQualityScore is the score below which an approval counts as overriding
// the quality gate.
const minQualityScore = 30

// openIssues lists the automated signals an approval overrides: a failing
// suite, recorded errors, a missing PR, or a poor quality score.
func openIssues(s *engine.State) []string {
	var issues []string
	if !lastTestPassed(s) {
		issues = append(issues, "tests failing")
	}
	if n := len(s.StringsResult(engine.KeyErrorLogs)); n > 0 {
		issues = append(issues, fmt.Sprintf("%d error(s) logged", n))
	}
	if _, ok := s.Results[engine.KeyPRInfo].(map[string]any); !ok {
		issues = append(issues, "no pull request published")
	}
	if score, ok := qualityScore(s); ok && score < minQualityScore {
		issues = append(issues, fmt.Sprintf("quality score %d/100", score))
	}
	return issues
}

func qualityScore(s *engine.State) (int, bool) {
	qa, ok := s.Results[engine.KeyQualityAssurance].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := qa["overall_score"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// localDecision resolves the gate from run evidence when no ticket exists.
func localDecision(s *engine.State) engine.Results {
	if lastTestPassed(s) && len(s.StringsResult(engine.KeyErrorLogs)) == 0 &&
		len(s.StringsResult(engine.KeyModifiedFiles)) > 0 {
		return engine.Results{
			engine.KeyHumanDecision: "approve_auto",
			engine.KeyAutoApproved:  true,
			engine.KeyShouldMerge:   true,
			engine.KeyErrorLogs:     "validation ticket creation failed; auto-approved from local evidence",
		}
	}
	return engine.Results{
		engine.KeyHumanDecision: "timeout",
		engine.KeyErrorLogs:     "validation ticket creation failed; no auto-approval possible",
	}
}

func changeSummary(s *engine.State) string {
	if changes, ok := s.Results[engine.KeyCodeChanges].(map[string]any); ok {
		if summary, _ := changes["summary"].(string); summary != "" {
			return summary
		}
	}
	return ""
}

// postReimplementationNotice tells the thread the agent is retrying with the
// reviewer's instructions, once per rejection.
func postReimplementationNotice(ctx context.Context, deps *Deps, s *engine.State, externalID int64, results engine.Results) {
	if deps.Board == nil || externalID == 0 {
		return
	}
	instructions, _ := results[engine.KeyModInstructions].(string)
	body := "🤖 Reprise de l'implémentation avec vos instructions:\n" + instructions
	if _, err := deps.Board.PostUpdate(ctx, externalID, body); err != nil {
		deps.logger().Warn("Reimplementation notice post failed", "external_id", externalID, "error", err)
		return
	}
	results[engine.KeyReimplMessagePosted] = true
}
