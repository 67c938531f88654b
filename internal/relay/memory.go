package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/whisperhouse/internal/storage"
)

type watcher struct {
	mu    sync.Mutex
	queue []Message
	wake  chan struct{}
}

func (w *watcher) push(m Message) {
	w.mu.Lock()
	w.queue = append(w.queue, m)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run forwards queued messages to out in order until ctx is done.
func (w *watcher) run(ctx context.Context, out chan<- Message, detach func()) {
	defer close(out)
	defer detach()
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, m := range batch {
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return
		}
	}
}

type memChannel struct {
	watchers map[uint64]*watcher
	history  []Message
}

// Memory is an in-process relay. Every channel keeps its full history, and
// when Transcripts is set every message is also appended to it.
type Memory struct {
	transcripts *storage.Transcripts
	channels    map[string]*memChannel
	mu          sync.Mutex
	nextID      uint64
}

// NewMemory creates an in-process relay. transcripts may be nil.
func NewMemory(transcripts *storage.Transcripts) *Memory {
	return &Memory{transcripts: transcripts, channels: make(map[string]*memChannel)}
}

func (r *Memory) channelLocked(id string) *memChannel {
	c, ok := r.channels[id]
	if !ok {
		c = &memChannel{watchers: make(map[uint64]*watcher)}
		r.channels[id] = c
	}
	return c
}

// Send appends a message to the channel and fans it out to every stream.
func (r *Memory) Send(ctx context.Context, channelID, content, authorID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	r.mu.Lock()
	c := r.channelLocked(channelID)
	m := Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   content,
		At:        time.Now().UTC(),
		Seq:       len(c.history),
	}
	if r.transcripts != nil {
		if _, err := r.transcripts.Append(channelID, authorID, content); err != nil {
			r.mu.Unlock()
			return Message{}, fmt.Errorf("relay %s: %w", channelID, err)
		}
	}
	c.history = append(c.history, m)
	watchers := make([]*watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	for _, w := range watchers {
		w.push(m)
	}
	return m, nil
}

// StreamMessages starts a lossless stream of new messages in channelID.
func (r *Memory) StreamMessages(ctx context.Context, channelID string) (<-chan Message, error) {
	w := &watcher{wake: make(chan struct{}, 1)}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.channelLocked(channelID).watchers[id] = w
	r.mu.Unlock()

	out := make(chan Message)
	go w.run(ctx, out, func() {
		r.mu.Lock()
		if c, ok := r.channels[channelID]; ok {
			delete(c.watchers, id)
		}
		r.mu.Unlock()
	})
	return out, nil
}

// History returns the messages of channelID with Seq >= since.
func (r *Memory) History(channelID string, since int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok || since >= len(c.history) {
		return []Message{}
	}
	return append([]Message(nil), c.history[max(since, 0):]...)
}

// Watchers returns the number of live streams on channelID.
func (r *Memory) Watchers(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[channelID]; ok {
		return len(c.watchers)
	}
	return 0
}
