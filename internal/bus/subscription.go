package bus

import (
	"fmt"
	"sync"

	"github.com/dreamware/whisperhouse/internal/protocol"
)

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus   *Bus
	match Predicate
	name  string
	id    uint64

	mu    sync.Mutex // Protects queue
	queue []protocol.Message
	wake  chan struct{}
	done  chan struct{}
	out   chan protocol.Message
	once  sync.Once
}

func newSubscription(b *Bus, name string, match Predicate) *Subscription {
	return &Subscription{
		bus:   b,
		match: match,
		name:  name,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		out:   make(chan protocol.Message),
	}
}

// Name returns the label the subscription was registered with.
func (s *Subscription) Name() string { return s.name }

// C returns the message stream. It is closed when the subscription closes.
func (s *Subscription) C() <-chan protocol.Message { return s.out }

// Done is closed once the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close detaches the subscription from the bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.bus != nil && s.id != 0 {
			s.bus.remove(s.id)
		}
	})
}

func (s *Subscription) enqueue(msg protocol.Message) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued messages to the output channel in FIFO order.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		s.queue[0] = protocol.Message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) dispatch(fn HandlerFunc) {
	for msg := range s.out {
		if err := s.invoke(fn, msg); err != nil {
			s.bus.report(s.name, msg, err)
		}
	}
}

func (s *Subscription) invoke(fn HandlerFunc, msg protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(msg)
}
