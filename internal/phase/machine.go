package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/whisperhouse/internal/barrier"
	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/capacity"
	"github.com/dreamware/whisperhouse/internal/protocol"
)

var (
	// ErrNoStall is returned by RetryBarrier when no barrier has timed out.
	ErrNoStall = errors.New("no stalled barrier to retry")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("phase machine closed")

	// ErrNoActiveParticipants stalls a barrier that has nobody to wait for.
	ErrNoActiveParticipants = errors.New("no active participants")
)

// Roster is the machine's view of who is playing.
type Roster interface {
	// Active returns the participants currently expected to answer barriers.
	Active() []string
	// Has reports whether id belongs to the game.
	Has(id string) bool
}

// RoomCloser closes every whisper room of a game.
type RoomCloser interface {
	CloseGame(gameID, reason string) int
}

// Config holds the per-game timing of the machine.
type Config struct {
	Timers          map[Phase]time.Duration // Phases without an entry have no timer
	BarrierTimeout  time.Duration
	MinParticipants int
}

// Deps are the collaborators a machine drives. Rooms, ChannelsFor and
// OnTransition are optional.
type Deps struct {
	Bus      bus.PubSub
	Barriers *barrier.Tracker
	Capacity *capacity.Tracker
	Rooms    RoomCloser
	Roster   Roster

	// ChannelsFor returns the channels whose budgets reset when a phase starts.
	ChannelsFor func(Phase) []string

	// OnTransition runs after every transition, outside the machine lock.
	OnTransition func(Transition)

	Logger *slog.Logger
}

// Transition is the audit record of one phase change.
type Transition struct {
	At       time.Time
	From     Phase
	To       Phase
	Trigger  Trigger
	Actor    string
	Reason   string
	Round    int
	Forced   bool
	Snapshot Snapshot
}

// Stall describes a barrier that timed out and left its phase in place.
type Stall struct {
	At       time.Time
	Phase    Phase
	Kind     string
	Reason   string // Set when the barrier failed for something other than a timeout
	Ready    []string
	Expected int
}

func (s Stall) String() string {
	if s.Reason != "" {
		return fmt.Sprintf("phase %s has not advanced: %s", s.Phase, s.Reason)
	}
	return fmt.Sprintf("phase %s has not advanced, %d/%d participants ready", s.Phase, len(s.Ready), s.Expected)
}

// Status is a point-in-time view of a machine.
type Status struct {
	TimerEndsAt time.Time
	Stall       *Stall
	Phase       Phase
	Previous    Phase
	WrapUp      Step
	Round       int
}

// Machine is the phase state machine of one game. All state changes are
// serialized by mu; timers and barrier results re-enter through apply and are
// discarded when a newer generation has superseded them.
type Machine struct {
	deps   Deps
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sub    *bus.Subscription
	gameID string
	cfg    Config
	wg     sync.WaitGroup

	mu          sync.Mutex
	timer       *time.Timer
	timerEndsAt time.Time
	stall       *Stall
	history     []Transition
	current     Phase
	previous    Phase
	wrapUp      Step
	round       int
	seq         uint64 // transitions applied, including those before a restore
	timerGen    uint64
	barrierGen  uint64
	closed      bool
}

// NewMachine creates a machine in INIT and starts routing ready signals of
// gameID from the bus into the barrier tracker.
func NewMachine(gameID string, cfg Config, deps Deps) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		gameID:  gameID,
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("game_id", gameID),
		ctx:     ctx,
		cancel:  cancel,
		current: Init,
	}
	m.sub = deps.Bus.Handle("phase:"+gameID,
		bus.All(bus.OfKind(protocol.KindReady), bus.ForGame(gameID)),
		m.onReady)
	return m
}

// GameID returns the id of the game the machine drives.
func (m *Machine) GameID() string { return m.gameID }

func (m *Machine) onReady(msg protocol.Message) error {
	if !protocol.IsReadySignal(msg) {
		return nil
	}
	id := msg.Payload.ParticipantID
	if id == "" {
		id = msg.Source
	}
	if !m.deps.Roster.Has(id) {
		m.logger.Debug("ignoring ready signal from non-participant", "participant_id", id)
		return nil
	}
	key := barrier.Key{GameID: m.gameID, RoomID: msg.Payload.RoomID, Kind: msg.Payload.ReadyType}
	m.deps.Barriers.SignalReady(key, id, nil)
	return nil
}

// apply runs fn under the machine lock and reports the resulting transition,
// if any, to OnTransition after the lock is released.
func (m *Machine) apply(fn func() (*Transition, error)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	t, err := fn()
	m.mu.Unlock()

	if t != nil && m.deps.OnTransition != nil {
		m.deps.OnTransition(*t)
	}
	return err
}

// Start moves INIT → INTRODUCTION once enough participants are active.
func (m *Machine) Start() error {
	return m.apply(func() (*Transition, error) {
		if m.current != Init {
			return nil, fmt.Errorf("%w: start in %s", ErrWrongPhase, m.current)
		}
		if n := len(m.deps.Roster.Active()); n < m.cfg.MinParticipants {
			return nil, fmt.Errorf("%w: %d of %d", ErrNotEnoughParticipants, n, m.cfg.MinParticipants)
		}
		return m.transitionLocked(Init, TriggerStart, "house", "")
	})
}

// Advance is the explicit moderator signal. In WHISPER it starts the wrap-up;
// elsewhere it takes the current phase's moderator edge, if it has one.
func (m *Machine) Advance(actor string) error {
	return m.apply(func() (*Transition, error) {
		if m.current == Whisper {
			return nil, m.beginWrapUpLocked(actor)
		}
		return m.transitionLocked(m.current, TriggerModerator, actor, "")
	})
}

// ForceAdvance takes the current phase's primary edge regardless of triggers.
// Every forced advance is logged and broadcast as PHASE_FORCED.
func (m *Machine) ForceAdvance(actor, reason string) error {
	return m.apply(func() (*Transition, error) {
		from := m.current
		if from == End {
			return nil, ErrGameOver
		}
		if from == Init {
			return nil, fmt.Errorf("%w: use start to leave %s", ErrWrongPhase, Init)
		}
		to, _ := Successor(from)
		m.logger.Warn("phase force-advanced", "phase", from, "to", to, "actor", actor, "reason", reason)
		m.publishLocked(protocol.All(), protocol.Payload{
			Type:      protocol.EventPhaseForced,
			FromPhase: string(from),
			ToPhase:   string(to),
			Actor:     actor,
			Reason:    reason,
			Round:     m.round,
		})
		return m.transitionLocked(from, TriggerForce, actor, reason)
	})
}

// EndGame moves REVEAL → END on an end condition decided outside the machine.
func (m *Machine) EndGame(reason string) error {
	return m.apply(func() (*Transition, error) {
		return m.transitionLocked(Reveal, TriggerEnd, "house", reason)
	})
}

// RoundEnded is the capacity-exhausted trigger for the LOBBY channel.
// It is a no-op outside LOBBY.
func (m *Machine) RoundEnded(channelID string) error {
	return m.apply(func() (*Transition, error) {
		if m.current != Lobby {
			return nil, nil
		}
		return m.transitionLocked(Lobby, TriggerCapacity, "channel:"+channelID, "")
	})
}

// RetryBarrier re-runs the barrier that stalled the current phase.
func (m *Machine) RetryBarrier() error {
	return m.apply(func() (*Transition, error) {
		if m.stall == nil {
			return nil, ErrNoStall
		}
		kind := m.stall.Kind
		m.stall = nil
		m.logger.Info("retrying readiness barrier", "phase", m.current, "ready_type", kind)
		m.spawnBarrierLocked(kind)
		return nil, nil
	})
}

// transitionLocked validates (from, trigger) against the edge table and the
// current state, then runs exit and entry actions. A request for a phase the
// machine already left is reported as ErrWrongPhase without a broadcast; a
// trigger no edge admits is broadcast as TRANSITION_FAILED.
func (m *Machine) transitionLocked(from Phase, trig Trigger, actor, reason string) (*Transition, error) {
	if m.current == End {
		return nil, ErrGameOver
	}
	if m.current != from {
		return nil, fmt.Errorf("%w: in %s, not %s", ErrWrongPhase, m.current, from)
	}

	var (
		to Phase
		ok bool
	)
	if trig == TriggerForce {
		to, ok = Successor(from)
	} else {
		to, ok = Next(from, trig)
	}
	if ok && from == Whisper && trig == TriggerBarrier && m.wrapUp != StepDone {
		ok = false
	}
	if !ok {
		err := fmt.Errorf("%w: %s does not accept %s", ErrIllegalTransition, from, trig)
		m.logger.Warn("phase transition rejected", "phase", from, "trigger", trig, "error", err)
		m.publishLocked(protocol.All(), protocol.Payload{
			Type:    protocol.EventTransitionFailed,
			Phase:   string(from),
			Trigger: string(trig),
			Error:   err.Error(),
			Round:   m.round,
		})
		return nil, err
	}

	t := m.enterLocked(to, trig, actor, reason)
	return &t, nil
}

func (m *Machine) enterLocked(to Phase, trig Trigger, actor, reason string) Transition {
	from := m.current

	// Exit: the end of the old phase is always announced before anything of the new one.
	m.stopTimerLocked()
	if from != Init {
		m.publishLocked(protocol.All(), protocol.Payload{
			Type:  protocol.EventPhaseEnded,
			Phase: string(from),
			Round: m.round,
		})
	}
	if from == Whisper && m.deps.Rooms != nil {
		m.deps.Rooms.CloseGame(m.gameID, "phase_end")
	}

	m.previous = from
	m.current = to
	if from == Reveal && to == Vote {
		m.round++
	}
	m.seq++
	m.barrierGen++
	m.stall = nil
	m.wrapUp = ""
	if to == Whisper {
		m.wrapUp = StepIdle
	}

	// Entry.
	m.deps.Barriers.ClearGame(m.gameID)
	if m.deps.ChannelsFor != nil {
		for _, ch := range m.deps.ChannelsFor(to) {
			m.deps.Capacity.Reset(ch)
		}
	}
	m.armTimerLocked(m.cfg.Timers[to])
	m.announceLocked()

	t := Transition{
		At:       time.Now(),
		From:     from,
		To:       to,
		Trigger:  trig,
		Actor:    actor,
		Reason:   reason,
		Round:    m.round,
		Forced:   trig == TriggerForce,
		Snapshot: m.snapshotLocked(),
	}
	m.history = append(m.history, t)
	m.logger.Info("phase transition", "phase", to, "from", from, "trigger", trig, "round", m.round, "actor", actor)

	if to == Introduction {
		m.spawnBarrierLocked(protocol.ReadyPhaseAction)
	}
	return t
}

func (m *Machine) announceLocked() {
	p := protocol.Payload{
		Type:  protocol.EventPhaseStarted,
		Phase: string(m.current),
		Round: m.round,
	}
	if !m.timerEndsAt.IsZero() {
		p.TimerEndsAt = m.timerEndsAt.UnixMilli()
	}
	m.publishLocked(protocol.All(), p)
}

func (m *Machine) publishLocked(target protocol.Target, p protocol.Payload) {
	p.GameID = m.gameID
	m.deps.Bus.Publish(protocol.New(protocol.KindGameEvent, protocol.HouseID, target, p))
}

func (m *Machine) armTimerLocked(d time.Duration) {
	if d <= 0 || m.current == End {
		return
	}
	m.timerGen++
	gen, p := m.timerGen, m.current
	m.timerEndsAt = time.Now().Add(d)
	m.timer = time.AfterFunc(d, func() { m.onTimer(gen, p) })
}

func (m *Machine) stopTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerEndsAt = time.Time{}
}

func (m *Machine) onTimer(gen uint64, p Phase) {
	_ = m.apply(func() (*Transition, error) {
		if gen != m.timerGen || m.current != p {
			return nil, nil
		}
		m.timer = nil
		m.timerEndsAt = time.Time{}
		m.logger.Info("phase timer expired", "phase", p, "round", m.round)
		if p == Whisper {
			return nil, m.beginWrapUpLocked("timer")
		}
		return m.transitionLocked(p, TriggerTimer, "timer", "")
	})
}

// beginWrapUpLocked closes the game's whisper rooms and starts the
// strategic-thinking barrier. Repeated calls while a wrap-up is underway are no-ops.
func (m *Machine) beginWrapUpLocked(actor string) error {
	if m.current != Whisper {
		return fmt.Errorf("%w: wrap-up in %s", ErrWrongPhase, m.current)
	}
	if m.wrapUp != StepIdle {
		return nil
	}
	m.stopTimerLocked()
	if m.deps.Rooms != nil {
		m.deps.Rooms.CloseGame(m.gameID, "whisper_over")
	}
	// Signals sent before their step was solicited do not count.
	m.deps.Barriers.ClearGame(m.gameID)
	m.wrapUp = m.wrapUp.Next()
	m.logger.Info("whisper wrap-up started", "phase", Whisper, "actor", actor)
	m.spawnBarrierLocked(m.wrapUp.Kind())
	return nil
}

func (m *Machine) spawnBarrierLocked(kind string) {
	m.barrierGen++
	gen, p := m.barrierGen, m.current
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runBarrier(gen, p, kind)
	}()
}

// runBarrier solicits readiness of kind from every active participant and
// feeds the outcome back into the machine.
func (m *Machine) runBarrier(gen uint64, p Phase, kind string) {
	active := m.deps.Roster.Active()
	if len(active) == 0 {
		_ = m.apply(func() (*Transition, error) {
			if gen == m.barrierGen && m.current == p {
				m.stallLocked(kind, ErrNoActiveParticipants, 0)
			}
			return nil, nil
		})
		return
	}
	key := barrier.Key{GameID: m.gameID, RoomID: BarrierRoom(p), Kind: kind}
	m.solicit(p, key, active)

	ready, err := m.deps.Barriers.AwaitAll(m.ctx, key, len(active), m.cfg.BarrierTimeout)
	if m.ctx.Err() != nil {
		return
	}

	_ = m.apply(func() (*Transition, error) {
		if gen != m.barrierGen || m.current != p {
			return nil, nil
		}
		if err != nil {
			m.stallLocked(kind, err, len(active))
			return nil, nil
		}
		m.publishLocked(protocol.All(), protocol.Payload{
			Type:              protocol.EventAllPlayersReady,
			RoomID:            key.RoomID,
			ReadyType:         kind,
			ReadyParticipants: barrier.IDs(ready),
			Round:             m.round,
		})
		return m.barrierSatisfiedLocked(kind)
	})
}

func (m *Machine) solicit(p Phase, key barrier.Key, active []string) {
	timeout := m.cfg.BarrierTimeout.Milliseconds()
	switch key.Kind {
	case protocol.ReadyStrategicThinking:
		for _, id := range active {
			m.deps.Bus.Publish(protocol.New(protocol.KindGameEvent, protocol.HouseID, protocol.To(id), protocol.Payload{
				Type:          protocol.EventStrategicThinkingRequired,
				GameID:        m.gameID,
				RoomID:        key.RoomID,
				ReadyType:     key.Kind,
				ParticipantID: id,
				FromPhase:     string(Whisper),
				ToPhase:       string(Rumor),
				TimeoutMs:     timeout,
			}))
		}
	case protocol.ReadyDiaryRoom:
		m.deps.Bus.Publish(protocol.New(protocol.KindGameEvent, protocol.HouseID, protocol.To(active...), protocol.Payload{
			Type:      protocol.EventDiaryRoomOpened,
			GameID:    m.gameID,
			RoomID:    key.RoomID,
			ReadyType: key.Kind,
			TimeoutMs: timeout,
		}))
	default:
		target, _ := Successor(p)
		m.deps.Bus.Publish(protocol.New(protocol.KindGameEvent, protocol.HouseID, protocol.To(active...), protocol.Payload{
			Type:        protocol.EventAreYouReady,
			GameID:      m.gameID,
			RoomID:      key.RoomID,
			ReadyType:   key.Kind,
			TargetPhase: string(target),
			TimeoutMs:   timeout,
		}))
	}
}

func (m *Machine) barrierSatisfiedLocked(kind string) (*Transition, error) {
	switch {
	case m.current == Introduction && kind == protocol.ReadyPhaseAction:
		return m.transitionLocked(Introduction, TriggerBarrier, "barrier", "")
	case m.current == Whisper && m.wrapUp.Awaiting() && kind == m.wrapUp.Kind():
		m.wrapUp = m.wrapUp.Next()
		if m.wrapUp == StepDone {
			return m.transitionLocked(Whisper, TriggerBarrier, "barrier", "")
		}
		m.spawnBarrierLocked(m.wrapUp.Kind())
		return nil, nil
	}
	m.logger.Warn("barrier result ignored", "phase", m.current, "ready_type", kind)
	return nil, nil
}

func (m *Machine) stallLocked(kind string, err error, expected int) {
	s := &Stall{At: time.Now(), Phase: m.current, Kind: kind, Expected: expected}
	var terr *barrier.TimeoutError
	if errors.As(err, &terr) {
		s.Ready = terr.ReadyIDs()
	} else {
		s.Reason = err.Error()
	}
	m.stall = s
	m.logger.Warn("readiness barrier failed, phase not advanced",
		"phase", m.current, "ready_type", kind, "ready", s.Ready, "expected", expected, "error", err)
	m.publishLocked(protocol.All(), protocol.Payload{
		Type:              protocol.EventPhaseStalled,
		Phase:             string(m.current),
		Round:             m.round,
		ReadyType:         kind,
		ReadyParticipants: s.Ready,
		Expected:          expected,
		Error:             s.String(),
	})
}

// DuringWhisper runs fn while the machine is held in WHISPER with its wrap-up
// not yet started. Otherwise it returns ErrWrongPhase without calling fn.
func (m *Machine) DuringWhisper(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Whisper || m.wrapUp != StepIdle {
		return fmt.Errorf("%w: only open during %s before its wrap-up, game is in %s", ErrWrongPhase, Whisper, m.current)
	}
	return fn()
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Status returns a copy of the machine's observable state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Phase:       m.current,
		Previous:    m.previous,
		Round:       m.round,
		TimerEndsAt: m.timerEndsAt,
		WrapUp:      m.wrapUp,
	}
	if m.stall != nil {
		s := *m.stall
		st.Stall = &s
	}
	return st
}

// History returns every transition applied since creation or restore.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Snapshot returns the persisted form of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		GameID:      m.gameID,
		Phase:       m.current,
		Previous:    m.previous,
		Round:       m.round,
		WrapUp:      m.wrapUp,
		TimerEndsAt: m.timerEndsAt,
		Seq:         m.seq,
	}
	if m.stall != nil {
		s.Stalled = m.stall.Kind
	}
	return s
}

// Restore reinstates a persisted snapshot into a fresh machine. The current
// phase is re-announced, its timer re-armed for the time that was left, and an
// outstanding barrier solicited again.
func (m *Machine) Restore(s Snapshot) error {
	if !s.Phase.Valid() {
		return fmt.Errorf("restore: invalid phase %q", s.Phase)
	}
	return m.apply(func() (*Transition, error) {
		if m.current != Init || m.seq != 0 {
			return nil, fmt.Errorf("%w: restore into a machine in %s", ErrWrongPhase, m.current)
		}
		m.current = s.Phase
		m.previous = s.Previous
		m.round = s.Round
		m.seq = s.Seq
		m.wrapUp = s.WrapUp
		if m.current == Whisper && m.wrapUp == "" {
			m.wrapUp = StepIdle
		}
		m.logger.Info("phase machine restored", "phase", m.current, "round", m.round, "wrap_up", m.wrapUp)

		if m.current == Init {
			return nil, nil
		}
		if !s.TimerEndsAt.IsZero() {
			m.armTimerLocked(max(time.Until(s.TimerEndsAt), time.Millisecond))
		}
		m.announceLocked()

		switch {
		case m.current == Introduction:
			m.spawnBarrierLocked(protocol.ReadyPhaseAction)
		case m.current == Whisper && m.wrapUp.Awaiting():
			m.spawnBarrierLocked(m.wrapUp.Kind())
		}
		return nil, nil
	})
}

// Close stops the machine's timer, its bus subscription and any barrier
// waits. It is safe to call more than once.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimerLocked()
	m.mu.Unlock()

	m.cancel()
	m.sub.Close()
	m.wg.Wait()
}
