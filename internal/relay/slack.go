package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

//go:generate mockgen -destination=mock_slack_client_test.go -package=relay . SlackClient

// SlackClient is the subset of slack.Client used to mirror game channels.
// Refer to the slack-go package for details: https://pkg.go.dev/github.com/slack-go/slack#Client
type SlackClient interface {
	// PostMessageContext sends a message to a Slack channel.
	// Returns the channel ID and timestamp of the posted message, or an error.
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// compile-time assertion to ensure that `slack.Client` implements `SlackClient`
var _ SlackClient = (*slack.Client)(nil)

// SlackMirror wraps a relay and copies every sent message into one Slack
// channel so humans can follow a game. Mirroring is best effort: a Slack
// failure is logged and never fails the send.
type SlackMirror struct {
	next   Relay
	client SlackClient
	logger *slog.Logger
	target string // Slack channel id
}

// NewSlackMirror mirrors next into the Slack channel target.
func NewSlackMirror(next Relay, client SlackClient, target string, logger *slog.Logger) *SlackMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackMirror{next: next, client: client, target: target, logger: logger}
}

// Send delivers through the wrapped relay, then mirrors to Slack.
func (s *SlackMirror) Send(ctx context.Context, channelID, content, authorID string) (Message, error) {
	m, err := s.next.Send(ctx, channelID, content, authorID)
	if err != nil {
		return m, err
	}
	text := fmt.Sprintf("[%s] *%s*: %s", channelID, authorID, content)
	if _, _, err := s.client.PostMessageContext(ctx, s.target, slack.MsgOptionText(text, false)); err != nil {
		s.logger.Warn("slack mirror failed", "channel_id", channelID, "error", err)
	}
	return m, nil
}

// StreamMessages reads from the wrapped relay.
func (s *SlackMirror) StreamMessages(ctx context.Context, channelID string) (<-chan Message, error) {
	return s.next.StreamMessages(ctx, channelID)
}
