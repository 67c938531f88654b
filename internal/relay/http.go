package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/whisperhouse/internal/wire"
)

// HTTPClient is a relay backed by the house HTTP API. Streams poll
// GET /channels/{id}/messages?since=N.
type HTTPClient struct {
	logger *slog.Logger
	base   string
	poll   time.Duration
}

// NewHTTPClient talks to the house at base (e.g. "http://localhost:8080").
func NewHTTPClient(base string, poll time.Duration, logger *slog.Logger) *HTTPClient {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{base: strings.TrimRight(base, "/"), poll: poll, logger: logger}
}

func (c *HTTPClient) messagesURL(channelID string) string {
	return c.base + "/channels/" + url.PathEscape(channelID) + "/messages"
}

// Send posts a message through the house.
func (c *HTTPClient) Send(ctx context.Context, channelID, content, authorID string) (Message, error) {
	var m Message
	err := wire.PostJSON(ctx, c.messagesURL(channelID), wire.PostMessageRequest{AuthorID: authorID, Content: content}, &m)
	return m, err
}

// Fetch returns the messages of channelID with Seq >= since.
func (c *HTTPClient) Fetch(ctx context.Context, channelID string, since int) ([]Message, error) {
	var out []Message
	err := wire.GetJSON(ctx, fmt.Sprintf("%s?since=%d", c.messagesURL(channelID), since), &out)
	return out, err
}

// StreamMessages polls for messages posted to channelID, starting with the
// channel's existing history.
func (c *HTTPClient) StreamMessages(ctx context.Context, channelID string) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()

		next := 0
		for {
			msgs, err := c.Fetch(ctx, channelID, next)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("relay poll failed", "channel_id", channelID, "error", err)
			}
			for _, m := range msgs {
				select {
				case out <- m:
					next = m.Seq + 1
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
