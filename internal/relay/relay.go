package relay

import (
	"context"
	"time"
)

// Message is one chat line as delivered by a relay.
type Message struct {
	At        time.Time `json:"at"`
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
}

// Relay is the transport for channel messages.
type Relay interface {
	// Send posts content to channelID on behalf of authorID.
	Send(ctx context.Context, channelID, content, authorID string) (Message, error)

	// StreamMessages yields messages posted to channelID after the call.
	// The channel is closed when ctx is done.
	StreamMessages(ctx context.Context, channelID string) (<-chan Message, error)
}
