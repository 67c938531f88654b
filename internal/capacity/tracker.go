package capacity

import (
	"maps"
	"sync"
)

type channelQuota struct {
	remaining map[string]int // Participants absent from the map still hold the full quota
	mu        sync.Mutex
	quota     int
}

func (c *channelQuota) remainingLocked(participantID string) int {
	if n, ok := c.remaining[participantID]; ok {
		return n
	}
	return c.quota
}

// Tracker holds the Capacity Records of every tracked channel.
// Each channel has its own lock; unrelated channels never contend.
type Tracker struct {
	channels sync.Map // channelID -> *channelQuota
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Configure starts tracking channelID with the given per-participant quota,
// replacing any previous configuration. Every participant starts with the full quota.
func (t *Tracker) Configure(channelID string, quota int) {
	if quota < 0 {
		quota = 0
	}
	t.channels.Store(channelID, &channelQuota{quota: quota, remaining: make(map[string]int)})
}

// Remove stops tracking channelID.
func (t *Tracker) Remove(channelID string) {
	t.channels.Delete(channelID)
}

// Tracked reports whether channelID has a budget.
func (t *Tracker) Tracked(channelID string) bool {
	_, ok := t.channels.Load(channelID)
	return ok
}

func (t *Tracker) get(channelID string) *channelQuota {
	v, ok := t.channels.Load(channelID)
	if !ok {
		return nil
	}
	return v.(*channelQuota)
}

// Consume spends one unit of participantID's budget in channelID and returns
// what remains. It never goes below zero; calls on an exhausted budget, or on
// an untracked channel, are no-ops returning zero.
func (t *Tracker) Consume(channelID, participantID string) int {
	c := t.get(channelID)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.remainingLocked(participantID)
	if n > 0 {
		n--
	}
	c.remaining[participantID] = n
	return n
}

// Remaining returns participantID's budget in channelID without spending it.
func (t *Tracker) Remaining(channelID, participantID string) int {
	c := t.get(channelID)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked(participantID)
}

// Reset restores every participant of channelID to the configured quota.
// Called at round and phase boundaries.
func (t *Tracker) Reset(channelID string) {
	c := t.get(channelID)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.remaining = make(map[string]int)
	c.mu.Unlock()
}

// AllExhausted reports whether every listed participant has no budget left in
// channelID. It is O(participants) and side-effect free; an empty list or an
// untracked channel is never exhausted.
func (t *Tracker) AllExhausted(channelID string, participantIDs []string) bool {
	c := t.get(channelID)
	if c == nil || len(participantIDs) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range participantIDs {
		if c.remainingLocked(id) > 0 {
			return false
		}
	}
	return true
}

// Record is the persisted form of one channel's budget.
type Record struct {
	Remaining map[string]int
	Quota     int
}

// Snapshot returns a copy of the channel's budget for persistence.
func (t *Tracker) Snapshot(channelID string) (Record, bool) {
	c := t.get(channelID)
	if c == nil {
		return Record{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Record{Quota: c.quota, Remaining: maps.Clone(c.remaining)}, true
}

// Restore reinstates a persisted budget, clamping counters into [0, quota].
func (t *Tracker) Restore(channelID string, rec Record) {
	remaining := make(map[string]int, len(rec.Remaining))
	for id, n := range rec.Remaining {
		remaining[id] = min(max(n, 0), rec.Quota)
	}
	t.channels.Store(channelID, &channelQuota{quota: max(rec.Quota, 0), remaining: remaining})
}
