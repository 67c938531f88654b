package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dreamware/whisperhouse/internal/protocol"
)

// Predicate selects the messages a subscription receives. A nil predicate matches everything.
type Predicate func(protocol.Message) bool

// HandlerFunc processes one delivered message. A returned error or a panic is
// isolated to the subscriber that produced it.
type HandlerFunc func(protocol.Message) error

// PubSub is the surface shared by the in-process Bus and the WebSocket Remote,
// so participants do not care which side of the network they run on.
type PubSub interface {
	Publish(msg protocol.Message)
	Subscribe(name string, match Predicate) *Subscription
	Handle(name string, match Predicate, fn HandlerFunc) *Subscription
}

// DeliveryError reports a subscriber that failed while processing a message.
// It never reaches the publisher.
type DeliveryError struct {
	Subscriber string
	MessageID  string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s to %s failed: %v", e.MessageID, e.Subscriber, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for isolated delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithErrorHandler registers a callback invoked for every isolated delivery failure.
func WithErrorHandler(fn func(*DeliveryError)) Option {
	return func(b *Bus) { b.onError = fn }
}

// Bus is an in-process publish/subscribe channel for coordination messages.
//
// Publish is fire-and-forget: each matching subscription receives the message on
// its own unbounded queue, so a slow consumer never blocks a publisher and
// messages from one publisher arrive at every subscriber in publish order.
// Thread-safe: Publish, Subscribe and Close may be called concurrently.
type Bus struct {
	logger  *slog.Logger
	onError func(*DeliveryError)
	subs    map[uint64]*Subscription // Live subscriptions by id
	mu      sync.RWMutex             // Protects subs, nextID and closed
	nextID  uint64
	closed  bool
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.Default(),
		subs:   make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers msg to every subscription whose predicate matches.
// It never blocks on consumers and never fails; messages published after
// Close are dropped.
func (b *Bus) Publish(msg protocol.Message) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if b.matches(s, msg) {
			s.enqueue(msg)
		}
	}
}

func (b *Bus) matches(s *Subscription, msg protocol.Message) (ok bool) {
	if s.match == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			b.report(s.name, msg, fmt.Errorf("predicate panic: %v", r))
			ok = false
		}
	}()
	return s.match(msg)
}

// Subscribe registers a lazy, unbounded stream of matching messages.
// The stream is not restartable: once closed it stays closed.
func (b *Bus) Subscribe(name string, match Predicate) *Subscription {
	s := newSubscription(b, name, match)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.Close()
		close(s.out)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// Handle subscribes and runs fn for every matching message on a dedicated goroutine.
func (b *Bus) Handle(name string, match Predicate, fn HandlerFunc) *Subscription {
	s := b.Subscribe(name, match)
	go s.dispatch(fn)
	return s
}

// Close stops delivery and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Bus) report(subscriber string, msg protocol.Message, err error) {
	derr := &DeliveryError{Subscriber: subscriber, MessageID: msg.ID, Err: err}
	b.logger.Warn("subscriber failed, continuing delivery",
		"subscriber", subscriber,
		"message_id", msg.ID,
		"event", msg.Payload.Type,
		"error", err)
	if b.onError != nil {
		b.onError(derr)
	}
}
