// Package notify escalates human validation waits: an immediate "waiting"
// message, one reminder, then a bounded timeout with an auto-approve policy.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vydata/taskpilot/validation"
)

// Messenger delivers out-of-band notifications to a human.
type Messenger interface {
	DirectMessage(ctx context.Context, userID, text string) error
}

// Waiter blocks until a validation decision arrives or the timeout elapses.
type Waiter interface {
	WaitForResponse(ctx context.Context, validationID string, timeout time.Duration) (*validation.Response, error)
}

// WaitInput describes one human wait.
type WaitInput struct {
	ValidationID  string
	UpdateID      string
	SlackUserID   string
	EmailFallback string

	TaskID     int64
	ExternalID int64
	TaskTitle  string
	PRURL      string

	// ReminderDelay of zero disables the reminder.
	ReminderDelay time.Duration
	FinalTimeout  time.Duration

	// IsCommand enables the immediate "waiting" message.
	IsCommand bool
	// IsQuestion suppresses the reminder; only FinalTimeout applies.
	IsQuestion bool

	// Auto-approve policy inputs, evaluated only on timeout.
	LastTestPassed bool
	ErrorLogs      []string
	ModifiedFiles  []string
}

// Outcome is the result of one wait.
type Outcome struct {
	Response     *validation.Response
	AutoApproved bool
	TimedOut     bool
	Reason       string
}

// Coordinator runs the wait protocol.
type Coordinator struct {
	messenger Messenger
	waiter    Waiter
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator. messenger may be nil when no Slack
// workspace is configured; all messages are then skipped.
func NewCoordinator(messenger Messenger, waiter Waiter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{messenger: messenger, waiter: waiter, logger: logger}
}

// Await blocks until the human responds, the request expires, or
// FinalTimeout elapses. The reminder fires at most once and is cancelled as
// soon as the wait resolves.
func (c *Coordinator) Await(ctx context.Context, in WaitInput) (*Outcome, error) {
	if in.IsCommand && in.SlackUserID != "" {
		c.send(ctx, in.SlackUserID, fmt.Sprintf(
			"⏳ Validation en attente pour « %s » (item %d).\nPR: %s\nRépondez sur Monday pour approuver ou rejeter.",
			in.TaskTitle, in.ExternalID, in.PRURL))
	}

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	g, gctx := errgroup.WithContext(waitCtx)

	if !in.IsQuestion && in.ReminderDelay > 0 && in.SlackUserID != "" {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(in.ReminderDelay):
				c.send(gctx, in.SlackUserID, fmt.Sprintf(
					"⏰ Rappel: la validation de « %s » expire bientôt (item %d).",
					in.TaskTitle, in.ExternalID))
				return nil
			}
		})
	}

	var resp *validation.Response
	g.Go(func() error {
		r, err := c.waiter.WaitForResponse(gctx, in.ValidationID, in.FinalTimeout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		resp = r
		cancelWait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("wait for validation %s: %w", in.ValidationID, err)
	}

	if resp != nil {
		return &Outcome{Response: resp}, nil
	}

	return c.timeoutOutcome(in), nil
}

// timeoutOutcome applies the auto-approve policy after FinalTimeout.
// Approval requires passing tests, no recorded errors, and actual changes.
func (c *Coordinator) timeoutOutcome(in WaitInput) *Outcome {
	if in.LastTestPassed && len(in.ErrorLogs) == 0 && len(in.ModifiedFiles) > 0 {
		c.logger.Info("Validation timed out, auto-approving",
			"validation_id", in.ValidationID,
			"task_id", in.TaskID)
		return &Outcome{
			AutoApproved: true,
			TimedOut:     true,
			Reason:       "timeout with passing tests, no errors, and modified files",
		}
	}

	reason := "timeout without auto-approval: "
	switch {
	case !in.LastTestPassed:
		reason += "last test run did not pass"
	case len(in.ErrorLogs) > 0:
		reason += fmt.Sprintf("%d error log entries present", len(in.ErrorLogs))
	default:
		reason += "no files were modified"
	}

	c.logger.Warn("Validation timed out without auto-approval",
		"validation_id", in.ValidationID,
		"reason", reason)
	return &Outcome{TimedOut: true, Reason: reason}
}

// send delivers one message, logging failures instead of propagating them.
// A lost notification must never fail the workflow.
func (c *Coordinator) send(ctx context.Context, userID, text string) {
	if c.messenger == nil {
		return
	}
	if err := c.messenger.DirectMessage(ctx, userID, text); err != nil {
		c.logger.Warn("Notification delivery failed", "user_id", userID, "error", err)
	}
}
