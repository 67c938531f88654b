package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ErrBarrierTimeout matches every *TimeoutError via errors.Is.
var ErrBarrierTimeout = errors.New("readiness barrier timed out")

// Key identifies one readiness context: a game, the room or channel the
// obligation belongs to, and the readiness kind (e.g. "phase_action").
type Key struct {
	GameID string
	RoomID string
	Kind   string
}

func (k Key) String() string {
	return k.GameID + "/" + k.RoomID + "/" + k.Kind
}

// Ready records one participant's signal.
type Ready struct {
	At            time.Time         // When the participant signalled
	Extra         map[string]string // Optional caller-supplied detail
	ParticipantID string
}

// TimeoutError is returned by AwaitAll when the deadline passes before the
// expected count is reached. Ready holds the partial list in signal order.
type TimeoutError struct {
	Key      Key
	Ready    []Ready
	Expected int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("readiness barrier %s timed out: %d/%d participants ready", e.Key, len(e.Ready), e.Expected)
}

// Is lets errors.Is(err, ErrBarrierTimeout) match.
func (e *TimeoutError) Is(target error) bool { return target == ErrBarrierTimeout }

// ReadyIDs returns the participant ids of the partial ready list.
func (e *TimeoutError) ReadyIDs() []string { return IDs(e.Ready) }

// IDs extracts participant ids from a ready list, preserving order.
func IDs(list []Ready) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.ParticipantID
	}
	return out
}

// wait is the single resolution shared by every caller awaiting one context.
type wait struct {
	timer    *time.Timer
	done     chan struct{}
	err      error
	result   []Ready
	expected int
}

type readyContext struct {
	ready  map[string]Ready
	waiter *wait
	key    Key
	mu     sync.Mutex // Protects every field below key
	closed bool
}

// Tracker accumulates readiness signals per Key and releases waiters exactly
// once, either when the expected count is met or when the wait times out.
//
// Each context carries its own lock, so signals for unrelated games or rooms
// never contend. A context is removed atomically on resolution; a signal that
// arrives afterwards starts a fresh context.
type Tracker struct {
	contexts sync.Map // Key -> *readyContext
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates an empty tracker. A nil logger uses slog.Default().
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger, now: time.Now}
}

// load returns the live context for key, creating it on first use.
func (t *Tracker) load(key Key) *readyContext {
	v, _ := t.contexts.LoadOrStore(key, &readyContext{key: key, ready: make(map[string]Ready)})
	return v.(*readyContext)
}

// SignalReady records that participantID is ready in the context for key.
// It is idempotent: a second signal from the same participant in the same
// context is ignored and reported as false.
func (t *Tracker) SignalReady(key Key, participantID string, extra map[string]string) bool {
	for {
		c := t.load(key)
		c.mu.Lock()
		if c.closed {
			// Resolved between load and lock; retry against the fresh context.
			c.mu.Unlock()
			continue
		}
		if _, dup := c.ready[participantID]; dup {
			c.mu.Unlock()
			return false
		}
		c.ready[participantID] = Ready{
			ParticipantID: participantID,
			At:            t.now(),
			Extra:         maps.Clone(extra),
		}
		if c.waiter != nil && len(c.ready) >= c.waiter.expected {
			t.resolveLocked(c, false)
		}
		c.mu.Unlock()
		return true
	}
}

// AwaitAll blocks until expected participants have signalled on key, returning
// them ordered by signal time, or fails with a *TimeoutError carrying the
// partial list once timeout elapses. The context is cleared in both cases.
//
// A second caller awaiting the same key joins the pending wait and observes the
// same single resolution; its expected and timeout arguments are ignored.
// Cancelling ctx only abandons this caller's wait; the barrier itself still
// resolves by count or by its own timeout.
func (t *Tracker) AwaitAll(ctx context.Context, key Key, expected int, timeout time.Duration) ([]Ready, error) {
	if expected <= 0 {
		return nil, fmt.Errorf("await %s: expected count must be positive, got %d", key, expected)
	}

	var w *wait
	for w == nil {
		c := t.load(key)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			continue
		}
		if c.waiter == nil {
			c.waiter = &wait{expected: expected, done: make(chan struct{})}
			if len(c.ready) >= expected {
				w = c.waiter
				t.resolveLocked(c, false)
				c.mu.Unlock()
				break
			}
			pending := c.waiter
			c.waiter.timer = time.AfterFunc(timeout, func() { t.expire(c, pending) })
		}
		w = c.waiter
		c.mu.Unlock()
	}

	select {
	case <-w.done:
		return slices.Clone(w.result), w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expire resolves a still-pending wait with a timeout.
func (t *Tracker) expire(c *readyContext, w *wait) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.waiter != w {
		return
	}
	t.resolveLocked(c, true)

	t.logger.Warn("readiness barrier timed out",
		"game_id", c.key.GameID,
		"room_id", c.key.RoomID,
		"kind", c.key.Kind,
		"ready", IDs(w.result),
		"expected", w.expected)
}

// resolveLocked delivers the one resolution of c and removes it from the
// tracker. Caller must hold c.mu and c.waiter must be set.
func (t *Tracker) resolveLocked(c *readyContext, timedOut bool) {
	w := c.waiter
	list := sortedReady(c.ready)
	if len(list) > w.expected {
		list = list[:w.expected]
	}
	w.result = list
	if timedOut {
		w.err = &TimeoutError{Key: c.key, Ready: slices.Clone(list), Expected: w.expected}
	}

	c.closed = true
	t.contexts.CompareAndDelete(c.key, c)
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.done)
}

// Pending returns the participants that have signalled on key so far.
func (t *Tracker) Pending(key Key) []Ready {
	v, ok := t.contexts.Load(key)
	if !ok {
		return nil
	}
	c := v.(*readyContext)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return sortedReady(c.ready)
}

// ClearGame drops the signal-only contexts of a game, typically when the game
// changes phase. Contexts with a live waiter are left to resolve on their own
// so that no wait is ever resolved twice. It returns the number removed.
func (t *Tracker) ClearGame(gameID string) int {
	removed := 0
	t.contexts.Range(func(k, v any) bool {
		key := k.(Key)
		if key.GameID != gameID {
			return true
		}
		c := v.(*readyContext)
		c.mu.Lock()
		if !c.closed && c.waiter == nil {
			c.closed = true
			t.contexts.CompareAndDelete(key, c)
			removed++
		}
		c.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of live contexts.
func (t *Tracker) Len() int {
	n := 0
	t.contexts.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func sortedReady(m map[string]Ready) []Ready {
	list := make([]Ready, 0, len(m))
	for _, r := range m {
		list = append(list, r)
	}
	slices.SortFunc(list, func(a, b Ready) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return strings.Compare(a.ParticipantID, b.ParticipantID)
	})
	return list
}
