package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var introKey = Key{GameID: "g1", RoomID: "intro", Kind: "phase_action"}

type awaitResult struct {
	ready []Ready
	err   error
}

func awaitAsync(tr *Tracker, key Key, expected int, timeout time.Duration) <-chan awaitResult {
	out := make(chan awaitResult, 1)
	go func() {
		ready, err := tr.AwaitAll(context.Background(), key, expected, timeout)
		out <- awaitResult{ready, err}
	}()
	return out
}

func waitFor(t *testing.T, ch <-chan awaitResult) awaitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("barrier never resolved")
	}
	return awaitResult{}
}

// TestAwaitAllSucceeds verifies the barrier resolves once the expected count is met.
func TestAwaitAllSucceeds(t *testing.T) {
	tr := NewTracker(nil)
	res := awaitAsync(tr, introKey, 3, time.Second)

	require.Eventually(t, func() bool { return tr.Len() == 1 }, time.Second, 5*time.Millisecond)

	for _, id := range []string{"carol", "alice", "bob"} {
		assert.True(t, tr.SignalReady(introKey, id, nil))
		time.Sleep(2 * time.Millisecond)
	}

	r := waitFor(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, []string{"carol", "alice", "bob"}, IDs(r.ready), "ready list is ordered by signal time")
	assert.Equal(t, 0, tr.Len(), "context must be cleared on success")
}

// TestAwaitAllTimeout covers a barrier that only gets 2 of 3 signals before its deadline.
func TestAwaitAllTimeout(t *testing.T) {
	tr := NewTracker(nil)
	res := awaitAsync(tr, introKey, 3, 100*time.Millisecond)

	require.Eventually(t, func() bool { return tr.Len() == 1 }, time.Second, 5*time.Millisecond)
	tr.SignalReady(introKey, "alice", nil)
	tr.SignalReady(introKey, "bob", nil)

	r := waitFor(t, res)
	require.Error(t, r.err)
	assert.True(t, errors.Is(r.err, ErrBarrierTimeout))

	var terr *TimeoutError
	require.ErrorAs(t, r.err, &terr)
	assert.Len(t, terr.Ready, 2)
	assert.ElementsMatch(t, []string{"alice", "bob"}, terr.ReadyIDs())
	assert.Equal(t, 3, terr.Expected)
	assert.Contains(t, terr.Error(), "2/3")

	assert.Equal(t, 0, tr.Len(), "context must be cleared on timeout")

	// A later signal starts a fresh context.
	assert.True(t, tr.SignalReady(introKey, "alice", nil))
	assert.Len(t, tr.Pending(introKey), 1)
}

// TestSignalReadyIdempotent verifies concurrent duplicate signals count once.
func TestSignalReadyIdempotent(t *testing.T) {
	tr := NewTracker(nil)

	var wg sync.WaitGroup
	accepted := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted <- tr.SignalReady(introKey, "alice", nil)
		}()
	}
	wg.Wait()
	close(accepted)

	wins := 0
	for ok := range accepted {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, tr.Pending(introKey), 1)
}

// TestSignalsBeforeAwait verifies signals recorded before the wait count toward it,
// and that the resolved list never exceeds the expected count.
func TestSignalsBeforeAwait(t *testing.T) {
	tr := NewTracker(nil)
	tr.SignalReady(introKey, "alice", map[string]string{"note": "hi"})
	time.Sleep(2 * time.Millisecond)
	tr.SignalReady(introKey, "bob", nil)
	time.Sleep(2 * time.Millisecond)
	tr.SignalReady(introKey, "carol", nil)

	ready, err := tr.AwaitAll(context.Background(), introKey, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, IDs(ready))
	assert.Equal(t, "hi", ready[0].Extra["note"])
	assert.Equal(t, 0, tr.Len())
}

// TestSharedWaitResolvesOnce verifies two callers on one key see one resolution.
func TestSharedWaitResolvesOnce(t *testing.T) {
	tr := NewTracker(nil)
	first := awaitAsync(tr, introKey, 2, time.Second)
	require.Eventually(t, func() bool { return tr.Len() == 1 }, time.Second, 5*time.Millisecond)
	second := awaitAsync(tr, introKey, 5, time.Hour)

	time.Sleep(20 * time.Millisecond)
	tr.SignalReady(introKey, "alice", nil)
	tr.SignalReady(introKey, "bob", nil)

	r1 := waitFor(t, first)
	r2 := waitFor(t, second)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, IDs(r1.ready), IDs(r2.ready))
	assert.Equal(t, 0, tr.Len())
}

// TestIndependentContexts verifies concurrent waits on different keys do not interfere.
func TestIndependentContexts(t *testing.T) {
	tr := NewTracker(nil)

	var results []<-chan awaitResult
	for g := 0; g < 10; g++ {
		key := Key{GameID: fmt.Sprintf("g%d", g), RoomID: "lobby", Kind: "phase_action"}
		results = append(results, awaitAsync(tr, key, 3, 2*time.Second))
	}
	require.Eventually(t, func() bool { return tr.Len() == 10 }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		for p := 0; p < 3; p++ {
			wg.Add(1)
			go func(g, p int) {
				defer wg.Done()
				key := Key{GameID: fmt.Sprintf("g%d", g), RoomID: "lobby", Kind: "phase_action"}
				tr.SignalReady(key, fmt.Sprintf("p%d", p), nil)
			}(g, p)
		}
	}
	wg.Wait()

	for _, ch := range results {
		r := waitFor(t, ch)
		require.NoError(t, r.err)
		assert.Len(t, r.ready, 3)
	}
	assert.Equal(t, 0, tr.Len())
}

// TestCallerCancelDoesNotResolve verifies ctx cancellation abandons only the caller.
func TestCallerCancelDoesNotResolve(t *testing.T) {
	tr := NewTracker(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := tr.AwaitAll(ctx, introKey, 2, 150*time.Millisecond)
		done <- err
	}()
	require.Eventually(t, func() bool { return tr.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The barrier itself is still pending until its own timeout clears it.
	assert.Equal(t, 1, tr.Len())
	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 10*time.Millisecond)
}

// TestClearGame verifies only signal-only contexts of the game are dropped.
func TestClearGame(t *testing.T) {
	tr := NewTracker(nil)
	tr.SignalReady(introKey, "alice", nil)
	tr.SignalReady(Key{GameID: "g1", RoomID: "lobby", Kind: "diary_room"}, "bob", nil)
	tr.SignalReady(Key{GameID: "g2", RoomID: "lobby", Kind: "diary_room"}, "bob", nil)

	waiting := Key{GameID: "g1", RoomID: "whisper", Kind: "strategic_thinking"}
	res := awaitAsync(tr, waiting, 1, time.Second)
	require.Eventually(t, func() bool { return tr.Len() == 4 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, tr.ClearGame("g1"))
	assert.Equal(t, 2, tr.Len())

	tr.SignalReady(waiting, "alice", nil)
	r := waitFor(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, 1, tr.Len())
}

// TestAwaitAllRejectsNonPositive verifies invalid expected counts fail fast.
func TestAwaitAllRejectsNonPositive(t *testing.T) {
	tr := NewTracker(nil)
	_, err := tr.AwaitAll(context.Background(), introKey, 0, time.Second)
	assert.Error(t, err)
	assert.Equal(t, 0, tr.Len())
}
