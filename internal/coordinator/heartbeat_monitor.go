package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/protocol"
)

// Liveness states of a participant.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ParticipantHealth tracks the liveness of one participant of one game.
// Thread-safe: Protected by HeartbeatMonitor's mutex when accessed.
type ParticipantHealth struct {
	LastSeen      time.Time // Last heartbeat or ack received
	LastCheck     time.Time // Last sweep that looked at this participant
	GameID        string
	ParticipantID string
	Status        string // StatusActive or StatusInactive
	Misses        int    // Whole heartbeat intervals elapsed since LastSeen
}

type healthKey struct {
	gameID        string
	participantID string
}

// HeartbeatMonitor watches heartbeat and ack messages on the bus and marks a
// participant inactive once it has been silent for maxMisses intervals. A
// single message from an inactive participant makes it active again.
// Thread-safe: All methods are safe for concurrent access.
type HeartbeatMonitor struct {
	participants map[healthKey]*ParticipantHealth
	bus          bus.PubSub
	logger       *slog.Logger
	onInactive   func(gameID, participantID string)
	onRecovered  func(gameID, participantID string)
	now          func() time.Time
	ctx          context.Context
	cancel       context.CancelFunc
	interval     time.Duration
	mu           sync.RWMutex
	wg           sync.WaitGroup
	maxMisses    int
}

// NewHeartbeatMonitor creates a monitor sweeping every interval.
//
// Parameters:
//   - b: Bus carrying participant heartbeats and acks
//   - interval: Expected heartbeat period
//   - maxMisses: Silent intervals before a participant is marked inactive
//
// Example:
//
//	monitor := NewHeartbeatMonitor(b, 5*time.Second, 3, logger)
//	go monitor.Start(ctx)
func NewHeartbeatMonitor(b bus.PubSub, interval time.Duration, maxMisses int, logger *slog.Logger) *HeartbeatMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HeartbeatMonitor{
		participants: make(map[healthKey]*ParticipantHealth),
		bus:          b,
		logger:       logger,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		interval:     interval,
		maxMisses:    max(maxMisses, 1),
	}
}

// SetOnInactive sets the callback run when a participant goes silent.
// Must be called before Start.
func (h *HeartbeatMonitor) SetOnInactive(callback func(gameID, participantID string)) {
	h.onInactive = callback
}

// SetOnRecovered sets the callback run when an inactive participant is heard from again.
// Must be called before Start.
func (h *HeartbeatMonitor) SetOnRecovered(callback func(gameID, participantID string)) {
	h.onRecovered = callback
}

// Track starts monitoring participants of gameID. Each starts active with a
// full grace period.
func (h *HeartbeatMonitor) Track(gameID string, participantIDs ...string) {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range participantIDs {
		k := healthKey{gameID, id}
		if _, ok := h.participants[k]; ok {
			continue
		}
		h.participants[k] = &ParticipantHealth{
			GameID:        gameID,
			ParticipantID: id,
			Status:        StatusActive,
			LastSeen:      now,
			LastCheck:     now,
		}
	}
}

// Untrack stops monitoring every participant of gameID.
func (h *HeartbeatMonitor) Untrack(gameID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.participants {
		if k.gameID == gameID {
			delete(h.participants, k)
		}
	}
}

// Start runs the monitor in the current goroutine until ctx or Stop ends it.
//
// Example:
//
//	go monitor.Start(ctx)
func (h *HeartbeatMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	sub := h.bus.Handle("heartbeat-monitor",
		bus.OfKind(protocol.KindHeartbeat, protocol.KindAck),
		func(msg protocol.Message) error {
			id := msg.Payload.ParticipantID
			if id == "" {
				id = msg.Source
			}
			h.Seen(msg.Payload.GameID, id)
			return nil
		})
	defer sub.Close()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("heartbeat monitor started", "interval", h.interval, "max_misses", h.maxMisses)
	for {
		select {
		case <-ticker.C:
			h.checkAll()
		case <-ctx.Done():
			h.logger.Debug("heartbeat monitor stopping", "reason", "context")
			return
		case <-h.ctx.Done():
			h.logger.Debug("heartbeat monitor stopping", "reason", "stop")
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HeartbeatMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// Seen records a sign of life. Untracked participants are ignored.
func (h *HeartbeatMonitor) Seen(gameID, participantID string) {
	h.mu.Lock()
	health, ok := h.participants[healthKey{gameID, participantID}]
	if !ok {
		h.mu.Unlock()
		return
	}
	recovered := health.Status == StatusInactive
	health.LastSeen = h.now()
	health.Misses = 0
	health.Status = StatusActive
	h.mu.Unlock()

	if recovered {
		h.logger.Info("participant recovered", "game_id", gameID, "participant_id", participantID)
		if h.onRecovered != nil {
			h.onRecovered(gameID, participantID)
		}
	}
}

// checkAll updates the miss count of every tracked participant and reports
// the ones that just crossed the threshold. Callbacks run without the lock.
func (h *HeartbeatMonitor) checkAll() {
	now := h.now()
	var silent []healthKey

	h.mu.Lock()
	for k, health := range h.participants {
		health.LastCheck = now
		health.Misses = int(now.Sub(health.LastSeen) / h.interval)
		if health.Misses >= h.maxMisses && health.Status != StatusInactive {
			health.Status = StatusInactive
			silent = append(silent, k)
		}
	}
	h.mu.Unlock()

	for _, k := range silent {
		h.logger.Warn("participant marked inactive",
			"game_id", k.gameID, "participant_id", k.participantID, "max_misses", h.maxMisses)
		if h.onInactive != nil {
			h.onInactive(k.gameID, k.participantID)
		}
	}
}

// Health returns a copy of a participant's liveness record, or nil if untracked.
func (h *HeartbeatMonitor) Health(gameID, participantID string) *ParticipantHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.participants[healthKey{gameID, participantID}]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// IsActive reports whether a tracked participant is currently active.
func (h *HeartbeatMonitor) IsActive(gameID, participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.participants[healthKey{gameID, participantID}]
	return ok && health.Status == StatusActive
}
