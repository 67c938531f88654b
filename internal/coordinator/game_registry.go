package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/whisperhouse/internal/barrier"
	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/capacity"
	"github.com/dreamware/whisperhouse/internal/config"
	"github.com/dreamware/whisperhouse/internal/phase"
	"github.com/dreamware/whisperhouse/internal/protocol"
	"github.com/dreamware/whisperhouse/internal/relay"
	"github.com/dreamware/whisperhouse/internal/rooms"
	"github.com/dreamware/whisperhouse/internal/storage"
)

var (
	ErrUnknownGame         = errors.New("unknown game")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrUnknownParticipant  = errors.New("unknown participant")
	ErrTooFewParticipants  = errors.New("too few participants")
	ErrTooManyParticipants = errors.New("too many participants")
	ErrChannelExists       = errors.New("channel already exists")
	ErrGameExists          = errors.New("game already loaded")
	ErrInvalidConfig       = errors.New("invalid configuration")
)

// introQuota is the introduction channel budget: one message each.
const introQuota = 1

// Options configures a Registry. Relay, Store and Heartbeats are optional:
// without a relay channels are not watched and OnChannelMessage must be called
// directly, without a store nothing is persisted, and without a heartbeat
// monitor every participant stays active.
type Options struct {
	Bus        bus.PubSub
	Relay      relay.Relay
	Store      storage.Store
	Heartbeats *HeartbeatMonitor
	Logger     *slog.Logger
}

// Registry owns every game of the house together with the shared trackers the
// games' phase machines drive.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                  Registry                    │
//	├──────────────────────────────────────────────┤
//	│  games:    gameID    → *Game                 │
//	│  channels: channelID → *Game                 │
//	├──────────────────────────────────────────────┤
//	│  barrier.Tracker   per (game, room, kind)    │
//	│  capacity.Tracker  per channel               │
//	│  rooms.Manager     per whisper room          │
//	└──────────────────────────────────────────────┘
//
// Concurrency Model:
//   - mu only guards the two lookup maps; it is never held while calling
//     into a game, a tracker or the bus
//   - each game, channel, room and readiness context has its own lock, so
//     unrelated games never contend
//   - lookups return the shared *Game; its accessors copy on read
type Registry struct {
	bus        bus.PubSub
	relay      relay.Relay
	store      storage.Store
	heartbeats *HeartbeatMonitor
	logger     *slog.Logger

	barriers *barrier.Tracker
	capacity *capacity.Tracker
	rooms    *rooms.Manager

	games    map[string]*Game
	channels map[string]*Game
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
//
// Example:
//
//	reg := NewRegistry(Options{Bus: b, Relay: relay.NewMemory(nil), Store: storage.NewMemoryStore()})
//	defer reg.Close()
//	id, err := reg.CreateGame([]string{"alice", "bob", "carol"}, config.Default())
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		bus:        opts.Bus,
		relay:      opts.Relay,
		store:      opts.Store,
		heartbeats: opts.Heartbeats,
		logger:     logger,
		barriers:   barrier.NewTracker(logger),
		capacity:   capacity.NewTracker(),
		rooms:      rooms.NewManager(opts.Bus, opts.Relay, logger),
		games:      make(map[string]*Game),
		channels:   make(map[string]*Game),
		ctx:        ctx,
		cancel:     cancel,
	}
	r.rooms.SetOnClose(r.roomClosed)
	if r.heartbeats != nil {
		r.heartbeats.SetOnInactive(func(gameID, id string) { r.setActive(gameID, id, false) })
		r.heartbeats.SetOnRecovered(func(gameID, id string) { r.setActive(gameID, id, true) })
	}
	return r
}

// Rooms returns the whisper room manager shared by every game.
func (r *Registry) Rooms() *rooms.Manager { return r.rooms }

// Capacity returns the capacity tracker shared by every game.
func (r *Registry) Capacity() *capacity.Tracker { return r.capacity }

// Barriers returns the readiness barrier tracker shared by every game.
func (r *Registry) Barriers() *barrier.Tracker { return r.barriers }

// CreateGame registers a new game in INIT with an introduction channel and a
// lobby channel (see phase.ChannelID).
//
// Parameters:
//   - participants: Participant ids; duplicates and empty ids are dropped
//   - settings: Game settings; zero fields take defaults
//
// Returns:
//   - The generated game id
//   - ErrTooFewParticipants / ErrTooManyParticipants outside the settings' bounds
//   - ErrInvalidConfig for inconsistent settings or a reserved participant id
func (r *Registry) CreateGame(participants []string, settings config.Settings) (string, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return "", fmt.Errorf("create game: %w: %w", ErrInvalidConfig, err)
	}
	if _, err := phaseTimers(settings); err != nil {
		return "", fmt.Errorf("create game: %w: %w", ErrInvalidConfig, err)
	}

	var ids []string
	for _, id := range participants {
		id = strings.TrimSpace(id)
		if id == protocol.HouseID {
			return "", fmt.Errorf("create game: %w: participant id %q is reserved", ErrInvalidConfig, id)
		}
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) < settings.MinParticipants {
		return "", fmt.Errorf("%w: %d, need at least %d", ErrTooFewParticipants, len(ids), settings.MinParticipants)
	}
	if len(ids) > settings.MaxParticipants {
		return "", fmt.Errorf("%w: %d, at most %d", ErrTooManyParticipants, len(ids), settings.MaxParticipants)
	}

	g := newGame(uuid.NewString(), ids, settings, time.Now())
	r.attachMachine(g)
	defaults := []*channelState{
		{Channel: Channel{ID: phase.ChannelID(g.ID, phase.Introduction), GameID: g.ID, Phase: phase.Introduction, Quota: introQuota}},
		{Channel: Channel{ID: phase.ChannelID(g.ID, phase.Lobby), GameID: g.ID, Phase: phase.Lobby, Quota: settings.LobbyMessagesPerParticipant}},
	}
	for _, ch := range defaults {
		r.capacity.Configure(ch.ID, ch.Quota)
		g.addChannel(ch)
	}

	r.mu.Lock()
	r.games[g.ID] = g
	for _, ch := range defaults {
		r.channels[ch.ID] = g
	}
	r.mu.Unlock()

	r.persistMeta(g)
	for _, ch := range defaults {
		r.persistChannel(g, ch)
		r.startWatch(g, ch)
	}
	if r.heartbeats != nil {
		r.heartbeats.Track(g.ID, ids...)
	}

	r.logger.Info("game created", "game_id", g.ID, "participants", ids)
	return g.ID, nil
}

func phaseTimers(s config.Settings) (map[phase.Phase]time.Duration, error) {
	timers := make(map[phase.Phase]time.Duration, len(s.PhaseTimers))
	for name, d := range s.PhaseTimers {
		p, err := phase.Parse(strings.ToUpper(name))
		if err != nil {
			return nil, fmt.Errorf("phase_timers: %w", err)
		}
		timers[p] = d
	}
	return timers, nil
}

// attachMachine builds the phase machine of g. Settings are already validated.
func (r *Registry) attachMachine(g *Game) {
	timers, _ := phaseTimers(g.Settings)
	g.machine = phase.NewMachine(g.ID, phase.Config{
		Timers:          timers,
		BarrierTimeout:  g.Settings.BarrierTimeout,
		MinParticipants: g.Settings.MinParticipants,
	}, phase.Deps{
		Bus:          r.bus,
		Barriers:     r.barriers,
		Capacity:     r.capacity,
		Rooms:        r.rooms,
		Roster:       g,
		ChannelsFor:  g.channelsFor,
		OnTransition: func(t phase.Transition) { r.persistPhase(g, t.Snapshot) },
		Logger:       r.logger,
	})
}

// CreateChannel adds a persistent, phase-scoped channel to a game and starts
// counting the messages that land in it.
//
// Returns:
//   - The channel id (cfg.ID or a generated one)
//   - ErrUnknownGame, ErrChannelExists, or ErrUnknownParticipant for a
//     member outside the game
func (r *Registry) CreateChannel(gameID string, cfg ChannelConfig) (string, error) {
	g, err := r.GetGame(gameID)
	if err != nil {
		return "", err
	}
	if cfg.Phase != "" && !cfg.Phase.Valid() {
		return "", fmt.Errorf("create channel: %w: unknown phase %q", ErrInvalidConfig, cfg.Phase)
	}
	for _, id := range cfg.Members {
		if !g.Has(id) {
			return "", fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
		}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Quota <= 0 {
		cfg.Quota = g.Settings.LobbyMessagesPerParticipant
	}

	ch := &channelState{Channel: Channel{
		ID:      cfg.ID,
		GameID:  gameID,
		Phase:   cfg.Phase,
		Members: slices.Clone(cfg.Members),
		Quota:   cfg.Quota,
	}}

	r.mu.Lock()
	if _, taken := r.channels[ch.ID]; taken {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrChannelExists, ch.ID)
	}
	r.channels[ch.ID] = g
	r.mu.Unlock()

	r.capacity.Configure(ch.ID, ch.Quota)
	g.addChannel(ch)
	r.persistChannel(g, ch)
	r.startWatch(g, ch)

	r.logger.Info("channel created", "game_id", gameID, "channel_id", ch.ID, "phase", ch.Phase, "quota", ch.Quota)
	return ch.ID, nil
}

// GetGame returns the game with the given id.
func (r *Registry) GetGame(gameID string) (*Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.games[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	return g, nil
}

// GetGameByChannel returns the game owning channelID.
func (r *Registry) GetGameByChannel(channelID string) (*Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	return g, nil
}

// Games returns every loaded game, oldest first.
func (r *Registry) Games() []*Game {
	r.mu.RLock()
	out := make([]*Game, 0, len(r.games))
	for _, g := range r.games {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OnChannelMessage is the single ingestion point for messages landing in a
// tracked channel. It spends one unit of the author's budget and, once every
// active member has spent theirs, ends the round: ROUND_ENDED is broadcast
// and the capacity trigger is sent to the phase machine. A round ends at most
// once per phase instance; later messages are no-ops. Messages sent outside
// the channel's phase, by the house, or by non-members are not counted.
func (r *Registry) OnChannelMessage(channelID, authorID string) error {
	g, err := r.GetGameByChannel(channelID)
	if err != nil {
		return err
	}
	ch := g.channel(channelID)
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	if authorID == protocol.HouseID {
		return nil
	}
	if !g.Has(authorID) || (len(ch.Members) > 0 && !slices.Contains(ch.Members, authorID)) {
		r.logger.Debug("ignoring message from non-member", "channel_id", channelID, "participant_id", authorID)
		return nil
	}

	snap := g.machine.Snapshot()
	expected := g.expectedIn(ch)

	ch.mu.Lock()
	if ch.Phase != "" && ch.Phase != snap.Phase {
		ch.mu.Unlock()
		r.logger.Debug("message outside channel phase", "channel_id", channelID, "phase", snap.Phase)
		return nil
	}
	if ch.ended && ch.endedSeq == snap.Seq {
		ch.mu.Unlock()
		return nil
	}
	left := r.capacity.Consume(channelID, authorID)
	exhausted := r.capacity.AllExhausted(channelID, expected)
	if exhausted {
		ch.ended = true
		ch.endedSeq = snap.Seq
	}
	rec, _ := r.capacity.Snapshot(channelID)
	r.saveChannel(g, ch, rec)
	ch.mu.Unlock()

	r.logger.Debug("message counted", "game_id", g.ID, "channel_id", channelID, "participant_id", authorID, "remaining", left)
	if !exhausted {
		return nil
	}

	r.logger.Info("round ended", "game_id", g.ID, "channel_id", channelID, "phase", snap.Phase, "round", snap.Round)
	r.bus.Publish(protocol.Event(protocol.Payload{
		Type:      protocol.EventRoundEnded,
		GameID:    g.ID,
		ChannelID: channelID,
		Phase:     string(snap.Phase),
		Round:     snap.Round,
	}))
	return g.machine.RoundEnded(channelID)
}

// WatchChannel feeds every message the relay delivers for channelID into
// OnChannelMessage until ctx is done.
func (r *Registry) WatchChannel(ctx context.Context, channelID string) error {
	stream, err := r.subscribe(ctx, channelID)
	if err != nil {
		return err
	}
	r.drain(channelID, stream)
	return nil
}

func (r *Registry) subscribe(ctx context.Context, channelID string) (<-chan relay.Message, error) {
	if r.relay == nil {
		return nil, errors.New("watch channel: no relay configured")
	}
	stream, err := r.relay.StreamMessages(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("watch channel %s: %w", channelID, err)
	}
	return stream, nil
}

func (r *Registry) drain(channelID string, stream <-chan relay.Message) {
	for msg := range stream {
		if err := r.OnChannelMessage(channelID, msg.AuthorID); err != nil && !errors.Is(err, phase.ErrClosed) {
			r.logger.Warn("channel message not processed", "channel_id", channelID, "participant_id", msg.AuthorID, "error", err)
		}
	}
}

// startWatch subscribes before returning so no message sent after channel
// creation is missed.
func (r *Registry) startWatch(g *Game, ch *channelState) {
	if r.relay == nil {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	stream, err := r.subscribe(ctx, ch.ID)
	if err != nil {
		cancel()
		r.logger.Error("channel not watched", "game_id", g.ID, "channel_id", ch.ID, "error", err)
		return
	}
	g.mu.Lock()
	ch.cancel = cancel
	g.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drain(ch.ID, stream)
	}()
}

// Start moves a game from INIT into INTRODUCTION.
func (r *Registry) Start(gameID string) error {
	g, err := r.GetGame(gameID)
	if err != nil {
		return err
	}
	return g.machine.Start()
}

// Advance sends the moderator signal to a game's phase machine.
func (r *Registry) Advance(gameID, actor string) error {
	g, err := r.GetGame(gameID)
	if err != nil {
		return err
	}
	return g.machine.Advance(actor)
}

// ForceAdvance forces a game into the successor of its current phase.
func (r *Registry) ForceAdvance(gameID, actor, reason string) error {
	g, err := r.GetGame(gameID)
	if err != nil {
		return err
	}
	return g.machine.ForceAdvance(actor, reason)
}

// EndGame ends a game that is in REVEAL.
func (r *Registry) EndGame(gameID, reason string) error {
	g, err := r.GetGame(gameID)
	if err != nil {
		return err
	}
	return g.machine.EndGame(reason)
}

// RetryBarrier re-runs the barrier a game is stalled on.
func (r *Registry) RetryBarrier(gameID string) error {
	g, err := r.GetGame(gameID)
	if err != nil {
		return err
	}
	return g.machine.RetryBarrier()
}

// SignalReady publishes a readiness signal on behalf of a participant. An
// empty roomID addresses the barrier of the game's current phase.
func (r *Registry) SignalReady(gameID, roomID, kind, participantID string) error {
	g, err := r.GetGame(gameID)
	if err != nil {
		return err
	}
	if !g.Has(participantID) {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if roomID == "" {
		roomID = phase.BarrierRoom(g.machine.Phase())
	}
	r.bus.Publish(protocol.Ready(gameID, roomID, participantID, kind, ""))
	return nil
}

// OpenWhisperRoom opens a whisper room while the game is in WHISPER and its
// wrap-up has not started. Caps come from the game's settings.
func (r *Registry) OpenWhisperRoom(gameID, owner string, invitees []string) (string, error) {
	g, err := r.GetGame(gameID)
	if err != nil {
		return "", err
	}
	for _, id := range append([]string{owner}, invitees...) {
		if !g.Has(id) {
			return "", fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
		}
	}

	// No wrap-up can start while the room is created.
	var roomID string
	err = g.machine.DuringWhisper(func() error {
		var err error
		roomID, err = r.rooms.CreateRoom(gameID, owner, invitees, rooms.Caps{
			MaxParticipants:           g.Settings.WhisperRoomMaxParticipants,
			MaxMessagesPerParticipant: g.Settings.WhisperMessagesPerParticipant,
			IdleTimeout:               g.Settings.WhisperRoomTimeout,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	r.persistRoom(roomID)
	return roomID, nil
}

// RecordWhisper counts a message in a whisper room. It reports false, without
// error, when the participant has no budget left.
func (r *Registry) RecordWhisper(roomID, participantID string) (bool, error) {
	ok, err := r.rooms.RecordMessage(roomID, participantID)
	if ok {
		r.persistRoom(roomID)
	}
	return ok, err
}

// CloseWhisperRoom closes a whisper room ahead of its idle timeout. Its
// persisted record is dropped by roomClosed.
func (r *Registry) CloseWhisperRoom(roomID, reason string) error {
	return r.rooms.CloseRoom(roomID, reason)
}

// roomClosed drops the record of a room that closed while its game was
// running, so Restore never reopens it. Rooms closed by Teardown keep their
// records.
func (r *Registry) roomClosed(room rooms.Room) {
	if r.store == nil || room.CloseReason == rooms.ReasonTeardown {
		return
	}
	r.deleteKey(gameKey(room.GameID, "rooms", room.ID))
}

func (r *Registry) setActive(gameID, participantID string, active bool) {
	g, err := r.GetGame(gameID)
	if err != nil {
		return
	}
	if g.setActive(participantID, active) {
		r.logger.Info("participant activity changed", "game_id", gameID, "participant_id", participantID, "active", active)
	}
}

// Teardown stops a game and releases everything it holds in memory. Its
// persisted records are kept, so Restore can load it again.
func (r *Registry) Teardown(gameID string) error {
	r.mu.Lock()
	g, ok := r.games[gameID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	delete(r.games, gameID)
	for id, owner := range r.channels {
		if owner == g {
			delete(r.channels, id)
		}
	}
	r.mu.Unlock()

	g.stopWatchers()
	g.machine.Close()
	r.rooms.CloseGame(gameID, rooms.ReasonTeardown)
	r.rooms.Forget(gameID)
	r.barriers.ClearGame(gameID)
	for _, ch := range g.Channels() {
		r.capacity.Remove(ch.ID)
	}
	if r.heartbeats != nil {
		r.heartbeats.Untrack(gameID)
	}
	r.logger.Info("game torn down", "game_id", gameID)
	return nil
}

// Restore loads a persisted game back into the registry: its roster,
// channels with their budgets, open whisper rooms and phase machine state.
func (r *Registry) Restore(gameID string) (*Game, error) {
	if r.store == nil {
		return nil, errors.New("restore: no store configured")
	}
	if _, err := r.GetGame(gameID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrGameExists, gameID)
	}

	meta, err := storage.GetPairs(r.store, gameKey(gameID, "meta"))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", gameID, err)
	}
	g, err := gameFromPairs(meta)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", gameID, err)
	}

	snap := phase.Snapshot{GameID: gameID, Phase: phase.Init}
	if p, err := storage.GetPairs(r.store, gameKey(gameID, "phase")); err == nil {
		if snap, err = phase.SnapshotFromPairs(p); err != nil {
			return nil, fmt.Errorf("restore %s: %w", gameID, err)
		}
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("restore %s: %w", gameID, err)
	}
	g.persistedSeq = snap.Seq

	var channels []*channelState
	for _, key := range r.store.List(gameKey(gameID, "channels") + "/") {
		p, err := storage.GetPairs(r.store, key)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", gameID, err)
		}
		ch, rec, err := channelFromPairs(gameID, p)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", key, err)
		}
		channels = append(channels, ch)
		r.capacity.Restore(ch.ID, rec)
		g.addChannel(ch)
	}

	var open []rooms.Room
	for _, key := range r.store.List(gameKey(gameID, "rooms") + "/") {
		p, err := storage.GetPairs(r.store, key)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", gameID, err)
		}
		room, err := roomFromPairs(gameID, p)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", key, err)
		}
		open = append(open, room)
	}

	r.attachMachine(g)
	r.mu.Lock()
	if _, loaded := r.games[gameID]; loaded {
		r.mu.Unlock()
		g.machine.Close()
		return nil, fmt.Errorf("%w: %s", ErrGameExists, gameID)
	}
	r.games[gameID] = g
	for _, ch := range channels {
		r.channels[ch.ID] = g
	}
	r.mu.Unlock()

	// Rooms only outlive a restart while their phase is still open.
	if snap.Phase == phase.Whisper && snap.WrapUp == phase.StepIdle {
		for _, room := range open {
			if err := r.rooms.Restore(room); err != nil {
				r.logger.Warn("whisper room not restored", "game_id", gameID, "room_id", room.ID, "error", err)
			}
		}
	} else {
		for _, room := range open {
			r.deleteKey(gameKey(gameID, "rooms", room.ID))
		}
	}

	if snap.Phase != phase.Init {
		if err := g.machine.Restore(snap); err != nil {
			_ = r.Teardown(gameID)
			return nil, fmt.Errorf("restore %s: %w", gameID, err)
		}
	}
	for _, ch := range channels {
		r.startWatch(g, ch)
	}
	if r.heartbeats != nil {
		r.heartbeats.Track(gameID, g.Participants()...)
	}

	r.logger.Info("game restored", "game_id", gameID, "phase", snap.Phase, "round", snap.Round, "channels", len(channels), "rooms", len(open))
	return g, nil
}

// Close tears down every game and waits for background work to finish.
func (r *Registry) Close() {
	for _, g := range r.Games() {
		_ = r.Teardown(g.ID)
	}
	r.cancel()
	r.wg.Wait()
	r.rooms.Wait()
}

func (r *Registry) persistMeta(g *Game) {
	if r.store == nil {
		return
	}
	p, err := metaPairs(g)
	if err == nil {
		err = storage.PutPairs(r.store, gameKey(g.ID, "meta"), p)
	}
	if err != nil {
		r.logger.Error("persist game failed", "game_id", g.ID, "error", err)
	}
}

// persistPhase writes a machine snapshot unless a newer one is already stored.
// OnTransition runs outside the machine lock, so snapshots can arrive out of order.
func (r *Registry) persistPhase(g *Game, s phase.Snapshot) {
	if r.store == nil {
		return
	}
	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	if s.Seq < g.persistedSeq {
		return
	}
	if err := storage.PutPairs(r.store, gameKey(g.ID, "phase"), s.Pairs()); err != nil {
		r.logger.Error("persist phase failed", "game_id", g.ID, "phase", s.Phase, "error", err)
		return
	}
	g.persistedSeq = s.Seq
}

func (r *Registry) persistChannel(g *Game, ch *channelState) {
	rec, _ := r.capacity.Snapshot(ch.ID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	r.saveChannel(g, ch, rec)
}

func (r *Registry) saveChannel(g *Game, ch *channelState, rec capacity.Record) {
	if r.store == nil {
		return
	}
	if err := storage.PutPairs(r.store, gameKey(g.ID, "channels", ch.ID), channelPairs(ch, rec)); err != nil {
		r.logger.Error("persist channel failed", "game_id", g.ID, "channel_id", ch.ID, "error", err)
	}
}

func (r *Registry) persistRoom(roomID string) {
	if r.store == nil {
		return
	}
	room, err := r.rooms.Get(roomID)
	if err != nil || room.Closed {
		return
	}
	key := gameKey(room.GameID, "rooms", room.ID)
	if err := storage.PutPairs(r.store, key, roomPairs(room)); err != nil {
		r.logger.Error("persist room failed", "game_id", room.GameID, "room_id", room.ID, "error", err)
		return
	}
	// A close that raced the write has already run roomClosed.
	if now, err := r.rooms.Get(roomID); err == nil && now.Closed && now.CloseReason != rooms.ReasonTeardown {
		r.deleteKey(key)
	}
}

func (r *Registry) deleteKey(key string) {
	if err := r.store.Delete(key); err != nil {
		r.logger.Warn("delete record failed", "key", key, "error", err)
	}
}
