package bus

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/whisperhouse/internal/protocol"
)

func recv(t *testing.T, s *Subscription) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return protocol.Message{}
}

func event(gameID string, round int) protocol.Message {
	return protocol.Event(protocol.Payload{Type: protocol.EventPhaseStarted, GameID: gameID, Round: round})
}

// TestPublishOrderPerPublisher verifies that one publisher's messages arrive in publish order.
func TestPublishOrderPerPublisher(t *testing.T) {
	b := New()
	defer b.Close()

	s1 := b.Subscribe("s1", nil)
	s2 := b.Subscribe("s2", nil)

	for i := 0; i < 100; i++ {
		b.Publish(event("g1", i))
	}

	for _, s := range []*Subscription{s1, s2} {
		for i := 0; i < 100; i++ {
			assert.Equal(t, i, recv(t, s).Payload.Round)
		}
	}
}

// TestSubscribePredicate verifies only matching messages are delivered.
func TestSubscribePredicate(t *testing.T) {
	b := New()
	defer b.Close()

	s := b.Subscribe("g2-only", ForGame("g2"))

	b.Publish(event("g1", 1))
	b.Publish(event("g2", 2))
	b.Publish(event("g1", 3))
	b.Publish(event("g2", 4))

	assert.Equal(t, 2, recv(t, s).Payload.Round)
	assert.Equal(t, 4, recv(t, s).Payload.Round)
}

// TestPublishNeverBlocks verifies a subscriber that never reads does not stall publishers.
func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	defer b.Close()

	_ = b.Subscribe("idle", nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish(event("g1", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}
}

// TestHandlerFailureIsolated verifies a failing subscriber does not stop delivery to others.
func TestHandlerFailureIsolated(t *testing.T) {
	var failures []*DeliveryError
	var mu sync.Mutex
	b := New(WithErrorHandler(func(err *DeliveryError) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}))
	defer b.Close()

	b.Handle("panics", nil, func(protocol.Message) error { panic("boom") })
	b.Handle("errors", nil, func(protocol.Message) error { return errors.New("bad") })
	b.Subscribe("crashing-predicate", func(protocol.Message) bool { panic("predicate") })
	healthy := b.Subscribe("healthy", nil)

	b.Publish(event("g1", 1))
	b.Publish(event("g1", 2))

	assert.Equal(t, 1, recv(t, healthy).Payload.Round)
	assert.Equal(t, 2, recv(t, healthy).Payload.Round)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 6
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	names := map[string]int{}
	for _, f := range failures {
		names[f.Subscriber]++
		assert.NotEmpty(t, f.MessageID)
		assert.Contains(t, f.Error(), f.Subscriber)
	}
	assert.Equal(t, map[string]int{"panics": 2, "errors": 2, "crashing-predicate": 2}, names)
}

// TestConcurrentPublishAndSubscribe exercises the bus from many goroutines.
func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	var received atomic.Int64
	b.Handle("counter", nil, func(protocol.Message) error {
		received.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(event(fmt.Sprintf("g%d", p), i))
				s := b.Subscribe("churn", nil)
				s.Close()
			}
		}(p)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return received.Load() == 500 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.Len())
}

// TestCloseEndsStreams verifies closing a subscription or the bus closes the stream.
func TestCloseEndsStreams(t *testing.T) {
	b := New()
	s := b.Subscribe("one", nil)
	s.Close()
	s.Close()

	_, ok := <-s.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())

	other := b.Subscribe("two", nil)
	b.Close()
	_, ok = <-other.C()
	assert.False(t, ok)

	late := b.Subscribe("late", nil)
	_, ok = <-late.C()
	assert.False(t, ok)

	// Publishing after close is a silent no-op.
	b.Publish(event("g1", 1))
}

// TestWebSocketBridge verifies a remote participant can publish and subscribe
// through the bus Handler, including seeing its own "all" messages.
func TestWebSocketBridge(t *testing.T) {
	b := New()
	defer b.Close()

	srv := httptest.NewServer(Handler(b, nil))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	remote, err := Dial(t.Context(), url, nil)
	require.NoError(t, err)
	defer remote.Close()

	remoteSub := remote.Subscribe("p1", Addressed("p1"))
	houseSub := b.Subscribe("house", OfKind(protocol.KindReady))

	// The server-side subscription is registered asynchronously to Dial returning.
	require.Eventually(t, func() bool { return b.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	b.Publish(event("g1", 7))
	got := recv(t, remoteSub)
	assert.Equal(t, 7, got.Payload.Round)

	ready := protocol.Ready("g1", "intro", "p1", protocol.ReadyPhaseAction, "LOBBY")
	remote.Publish(ready)
	assert.Equal(t, ready.ID, recv(t, houseSub).ID)

	echo := protocol.New(protocol.KindGameEvent, "p1", protocol.All(), protocol.Payload{Type: protocol.EventAck, Round: 9})
	remote.Publish(echo)
	assert.Equal(t, echo.ID, recv(t, remoteSub).ID)

	others := protocol.New(protocol.KindGameEvent, "p1", protocol.Others(), protocol.Payload{Round: 10})
	remote.Publish(others)
	b.Publish(event("g1", 11))
	assert.Equal(t, 11, recv(t, remoteSub).Payload.Round, "messages to others must skip the sender")
}
