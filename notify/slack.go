package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// SlackMessenger sends direct messages through the Slack Web API.
type SlackMessenger struct {
	client *slack.Client
	logger *slog.Logger
}

// NewSlackMessenger creates a messenger with a bot token.
func NewSlackMessenger(token string, logger *slog.Logger) *SlackMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackMessenger{
		client: slack.New(token),
		logger: logger,
	}
}

// DirectMessage opens (or reuses) the DM conversation with userID and posts
// the text there.
func (m *SlackMessenger) DirectMessage(ctx context.Context, userID, text string) error {
	channel, _, _, err := m.client.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return fmt.Errorf("open conversation with %s: %w", userID, err)
	}

	_, _, err = m.client.PostMessageContext(ctx, channel.ID,
		slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post message to %s: %w", channel.ID, err)
	}

	m.logger.Debug("Slack message sent", "user_id", userID)
	return nil
}

// LookupUserByEmail resolves an email fallback to a Slack user id.
func (m *SlackMessenger) LookupUserByEmail(ctx context.Context, email string) (string, error) {
	user, err := m.client.GetUserByEmailContext(ctx, email)
	if err != nil {
		return "", fmt.Errorf("lookup slack user for %s: %w", email, err)
	}
	return user.ID, nil
}
