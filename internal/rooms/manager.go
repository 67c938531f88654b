package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/protocol"
	"github.com/dreamware/whisperhouse/internal/relay"
)

var (
	ErrRoomCapacityExceeded   = errors.New("whisper room capacity exceeded")
	ErrRoomMessageCapExceeded = errors.New("whisper room message cap exceeded")
	ErrUnknownRoom            = errors.New("unknown whisper room")
	ErrNotRoomMember          = errors.New("not a member of whisper room")
	ErrRoomClosed             = errors.New("whisper room closed")
	ErrNoInvitees             = errors.New("whisper room needs at least one invitee")
)

// Close reasons the manager sets itself.
const (
	ReasonTimeout  = "timeout"
	ReasonTeardown = "teardown"
)

const notifyTimeout = 5 * time.Second

// Caps bound a room.
type Caps struct {
	MaxParticipants           int // Owner included
	MaxMessagesPerParticipant int
	IdleTimeout               time.Duration // Zero disables the idle timeout
}

// Room is a point-in-time copy of a room's state.
type Room struct {
	CreatedAt    time.Time
	LastActivity time.Time
	Sent         map[string]int
	ID           string
	GameID       string
	Owner        string
	CloseReason  string
	Participants []string // Owner first, then invitees in request order
	Caps         Caps
	Closed       bool
}

// Remaining returns how many more messages participantID may send.
func (r Room) Remaining(participantID string) int {
	if !slices.Contains(r.Participants, participantID) {
		return 0
	}
	return max(r.Caps.MaxMessagesPerParticipant-r.Sent[participantID], 0)
}

type room struct {
	timer *time.Timer
	state Room
	mu    sync.Mutex
	gen   uint64 // Idle timer generation
}

type gameIndex struct {
	ids map[string]struct{}
	mu  sync.Mutex
}

// Manager owns every whisper room. Rooms are locked individually; the
// per-game index is only touched on create and close.
type Manager struct {
	pub    bus.Publisher
	relay  relay.Relay
	logger *slog.Logger
	rooms  sync.Map // roomID -> *room
	games  sync.Map // gameID -> *gameIndex
	wg     sync.WaitGroup

	hookMu  sync.RWMutex
	onClose func(Room)
}

// NewManager creates a manager that announces room events on pub and posts
// closing notices through r. r may be nil.
func NewManager(pub bus.Publisher, r relay.Relay, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{pub: pub, relay: r, logger: logger}
}

// SetOnClose registers fn to run whenever a room closes, whatever the reason.
// fn runs with the room locked and must not call back into the manager.
func (m *Manager) SetOnClose(fn func(Room)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onClose = fn
}

func (m *Manager) index(gameID string) *gameIndex {
	v, _ := m.games.LoadOrStore(gameID, &gameIndex{ids: make(map[string]struct{})})
	return v.(*gameIndex)
}

func (m *Manager) get(roomID string) (*room, error) {
	v, ok := m.rooms.Load(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	return v.(*room), nil
}

// CreateRoom opens a room owned by owner. The owner counts toward
// MaxParticipants; duplicate invitees and the owner themself are ignored.
// On error nothing is created.
func (m *Manager) CreateRoom(gameID, owner string, invitees []string, caps Caps) (string, error) {
	members := []string{owner}
	for _, id := range invitees {
		if id != "" && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	if len(members) < 2 {
		return "", ErrNoInvitees
	}
	if len(members) > caps.MaxParticipants {
		return "", fmt.Errorf("%w: %d participants, cap %d", ErrRoomCapacityExceeded, len(members), caps.MaxParticipants)
	}

	now := time.Now()
	r := &room{state: Room{
		ID:           uuid.NewString(),
		GameID:       gameID,
		Owner:        owner,
		Participants: members,
		Sent:         make(map[string]int),
		Caps:         caps,
		CreatedAt:    now,
		LastActivity: now,
	}}
	m.install(r)

	m.logger.Info("whisper room opened", "game_id", gameID, "room_id", r.state.ID, "owner", owner, "participants", members)
	m.pub.Publish(protocol.New(protocol.KindGameEvent, protocol.HouseID, protocol.To(members...), protocol.Payload{
		Type:         protocol.EventWhisperRoomOpened,
		GameID:       gameID,
		RoomID:       r.state.ID,
		Owner:        owner,
		Participants: members,
	}))
	return r.state.ID, nil
}

func (m *Manager) install(r *room) {
	r.mu.Lock()
	m.armIdleLocked(r)
	r.mu.Unlock()

	m.rooms.Store(r.state.ID, r)
	idx := m.index(r.state.GameID)
	idx.mu.Lock()
	idx.ids[r.state.ID] = struct{}{}
	idx.mu.Unlock()
}

func (m *Manager) armIdleLocked(r *room) {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.state.Caps.IdleTimeout <= 0 || r.state.Closed {
		return
	}
	gen, id := r.gen, r.state.ID
	r.timer = time.AfterFunc(r.state.Caps.IdleTimeout, func() { m.onIdle(id, gen) })
}

func (m *Manager) onIdle(roomID string, gen uint64) {
	r, err := m.get(roomID)
	if err != nil {
		return
	}
	r.mu.Lock()
	if gen != r.gen || r.state.Closed {
		r.mu.Unlock()
		return
	}
	m.closeLocked(r, ReasonTimeout)
	r.mu.Unlock()
}

// CheckSend reports whether participantID may send another message.
func (m *Manager) CheckSend(roomID, participantID string) error {
	r, err := m.get(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return checkLocked(r, participantID)
}

func checkLocked(r *room, participantID string) error {
	switch {
	case r.state.Closed:
		return fmt.Errorf("%w: %s (%s)", ErrRoomClosed, r.state.ID, r.state.CloseReason)
	case !slices.Contains(r.state.Participants, participantID):
		return fmt.Errorf("%w: %s", ErrNotRoomMember, participantID)
	case r.state.Sent[participantID] >= r.state.Caps.MaxMessagesPerParticipant:
		return fmt.Errorf("%w: %s sent %d", ErrRoomMessageCapExceeded, participantID, r.state.Sent[participantID])
	}
	return nil
}

// RecordMessage counts one message from participantID and restarts the idle
// timeout. At the message cap it is a no-op that returns false; only an
// unknown room, a closed room or a non-member is an error.
func (m *Manager) RecordMessage(roomID, participantID string) (bool, error) {
	r, err := m.get(roomID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := checkLocked(r, participantID); err != nil {
		if errors.Is(err, ErrRoomMessageCapExceeded) {
			return false, nil
		}
		return false, err
	}
	r.state.Sent[participantID]++
	r.state.LastActivity = time.Now()
	m.armIdleLocked(r)
	return true, nil
}

// Remaining returns how many more messages participantID may send in roomID.
func (m *Manager) Remaining(roomID, participantID string) int {
	room, err := m.Get(roomID)
	if err != nil || room.Closed {
		return 0
	}
	return room.Remaining(participantID)
}

// CloseRoom closes a room, posts a final notice into it and releases its
// idle timeout. Closing a closed room is a no-op.
func (m *Manager) CloseRoom(roomID, reason string) error {
	r, err := m.get(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Closed {
		m.closeLocked(r, reason)
	}
	return nil
}

func (m *Manager) closeLocked(r *room, reason string) {
	r.state.Closed = true
	r.state.CloseReason = reason
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	idx := m.index(r.state.GameID)
	idx.mu.Lock()
	delete(idx.ids, r.state.ID)
	idx.mu.Unlock()

	m.logger.Info("whisper room closed", "game_id", r.state.GameID, "room_id", r.state.ID, "reason", reason)
	m.pub.Publish(protocol.New(protocol.KindGameEvent, protocol.HouseID, protocol.To(r.state.Participants...), protocol.Payload{
		Type:         protocol.EventWhisperRoomClosed,
		GameID:       r.state.GameID,
		RoomID:       r.state.ID,
		Reason:       reason,
		Participants: r.state.Participants,
	}))

	m.hookMu.RLock()
	onClose := m.onClose
	m.hookMu.RUnlock()
	if onClose != nil {
		onClose(r.copyLocked())
	}

	if m.relay == nil {
		return
	}
	roomID, gameID := r.state.ID, r.state.GameID
	notice := fmt.Sprintf("This whisper room is now closed (%s).", reason)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if _, err := m.relay.Send(ctx, roomID, notice, protocol.HouseID); err != nil {
			m.logger.Warn("whisper room close notice failed", "game_id", gameID, "room_id", roomID, "error", err)
		}
	}()
}

// CloseGame closes every open room of gameID and returns how many it closed.
func (m *Manager) CloseGame(gameID, reason string) int {
	idx := m.index(gameID)
	idx.mu.Lock()
	ids := make([]string, 0, len(idx.ids))
	for id := range idx.ids {
		ids = append(ids, id)
	}
	idx.mu.Unlock()

	closed := 0
	for _, id := range ids {
		r, err := m.get(id)
		if err != nil {
			continue
		}
		r.mu.Lock()
		if !r.state.Closed {
			m.closeLocked(r, reason)
			closed++
		}
		r.mu.Unlock()
	}
	return closed
}

// Forget drops every room of gameID, open or closed.
func (m *Manager) Forget(gameID string) {
	m.CloseGame(gameID, ReasonTeardown)
	m.rooms.Range(func(k, v any) bool {
		if v.(*room).gameID() == gameID {
			m.rooms.Delete(k)
		}
		return true
	})
	m.games.Delete(gameID)
}

func (r *room) gameID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GameID
}

func (r *room) snapshot() Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

func (r *room) copyLocked() Room {
	s := r.state
	s.Participants = slices.Clone(s.Participants)
	s.Sent = maps.Clone(s.Sent)
	return s
}

// Get returns a copy of the room.
func (m *Manager) Get(roomID string) (Room, error) {
	r, err := m.get(roomID)
	if err != nil {
		return Room{}, err
	}
	return r.snapshot(), nil
}

// Open returns the open rooms of gameID, oldest first.
func (m *Manager) Open(gameID string) []Room {
	idx := m.index(gameID)
	idx.mu.Lock()
	ids := make([]string, 0, len(idx.ids))
	for id := range idx.ids {
		ids = append(ids, id)
	}
	idx.mu.Unlock()

	out := make([]Room, 0, len(ids))
	for _, id := range ids {
		if r, err := m.get(id); err == nil {
			out = append(out, r.snapshot())
		}
	}
	slices.SortFunc(out, func(a, b Room) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Restore reinstates a persisted open room with its counters. The idle
// timeout restarts from now.
func (m *Manager) Restore(state Room) error {
	if state.ID == "" || state.GameID == "" {
		return errors.New("restore room: missing id")
	}
	if len(state.Participants) > state.Caps.MaxParticipants {
		return fmt.Errorf("%w: restoring %s", ErrRoomCapacityExceeded, state.ID)
	}
	state.Participants = slices.Clone(state.Participants)
	state.Sent = maps.Clone(state.Sent)
	if state.Sent == nil {
		state.Sent = make(map[string]int)
	}
	for id, n := range state.Sent {
		state.Sent[id] = min(max(n, 0), state.Caps.MaxMessagesPerParticipant)
	}
	state.Closed = false
	state.LastActivity = time.Now()
	m.install(&room{state: state})
	return nil
}

// Wait blocks until pending close notices have been sent.
func (m *Manager) Wait() {
	m.wg.Wait()
}
