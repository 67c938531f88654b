package participant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/completion"
	"github.com/dreamware/whisperhouse/internal/phase"
	"github.com/dreamware/whisperhouse/internal/protocol"
	"github.com/dreamware/whisperhouse/internal/relay"
	"github.com/dreamware/whisperhouse/internal/storage"
)

// Journal stores private writing such as diary entries. *storage.Transcripts
// satisfies it; RelayJournal sends entries through a relay instead.
type Journal interface {
	Append(roomID, authorID, content string) (storage.Entry, error)
}

// Config identifies a player and shapes its behaviour.
type Config struct {
	ID      string
	GameID  string
	Persona string // Prepended to every prompt

	// LobbyMessages is how many lines the player posts when LOBBY starts.
	LobbyMessages int

	// HeartbeatInterval is the liveness beacon period; zero disables heartbeats.
	HeartbeatInterval time.Duration

	Params completion.SamplingParams
}

// Deps are the collaborators a player talks through.
type Deps struct {
	Bus       bus.PubSub
	Relay     relay.Relay
	Completer completion.Completer
	Journal   Journal
	Logger    *slog.Logger
}

const sendTimeout = 10 * time.Second

// Player is one participant process.
type Player struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu   sync.Mutex
	done map[string]bool // Writing already produced, keyed by task
}

// New creates a player.
func New(cfg Config, deps Deps) *Player {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Params.Temperature == 0 && cfg.Params.MaxTokens == 0 {
		cfg.Params = completion.DefaultParams
	}
	return &Player{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("game_id", cfg.GameID, "participant_id", cfg.ID),
		done:   make(map[string]bool),
	}
}

// DiaryRoom is the journal room a participant's diary entries go to.
func DiaryRoom(gameID, participantID string) string {
	return gameID + "-diary-" + participantID
}

// StrategyRoom is the journal room a participant's strategic notes go to.
func StrategyRoom(gameID, participantID string) string {
	return gameID + "-strategy-" + participantID
}

// Run handles messages until ctx is done or the bus closes. Messages are
// handled one at a time, in arrival order.
func (p *Player) Run(ctx context.Context) error {
	sub := p.deps.Bus.Subscribe("player:"+p.cfg.ID, bus.All(
		bus.OfKind(protocol.KindGameEvent),
		bus.ForGame(p.cfg.GameID),
		bus.Addressed(p.cfg.ID),
	))
	defer sub.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	if p.cfg.HeartbeatInterval > 0 {
		hbCtx, stop := context.WithCancel(ctx)
		defer stop()
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.heartbeat(hbCtx)
		}()
	}

	p.logger.Info("player joined")
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			p.handle(ctx, msg)
		case <-ctx.Done():
			p.logger.Debug("player stopping")
			return nil
		}
	}
}

func (p *Player) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	p.deps.Bus.Publish(protocol.Heartbeat(p.cfg.GameID, p.cfg.ID))
	for {
		select {
		case <-ticker.C:
			p.deps.Bus.Publish(protocol.Heartbeat(p.cfg.GameID, p.cfg.ID))
		case <-ctx.Done():
			return
		}
	}
}

func (p *Player) handle(ctx context.Context, msg protocol.Message) {
	if msg.Source == p.cfg.ID {
		return
	}
	pl := msg.Payload
	switch pl.Type {
	case protocol.EventAreYouReady:
		p.ack(msg)
		if pl.ReadyType == protocol.ReadyPhaseAction && pl.RoomID == phase.BarrierRoom(phase.Introduction) {
			p.once("introduction", func() { p.introduce(ctx) })
		}
		p.ready(pl.RoomID, pl.ReadyType, pl.TargetPhase)

	case protocol.EventPhaseStarted:
		if pl.Phase == string(phase.Lobby) {
			p.once("lobby", func() { p.chat(ctx) })
		}

	case protocol.EventStrategicThinkingRequired:
		if pl.ParticipantID != "" && pl.ParticipantID != p.cfg.ID {
			return
		}
		p.ack(msg)
		p.once("strategy", func() {
			p.reflect(ctx, StrategyRoom(p.cfg.GameID, p.cfg.ID),
				fmt.Sprintf("The %s phase is ending and %s is next. Think through your strategy.", pl.FromPhase, pl.ToPhase))
		})
		p.ready(pl.RoomID, protocol.ReadyStrategicThinking, pl.ToPhase)

	case protocol.EventDiaryRoomOpened:
		p.ack(msg)
		p.once("diary", func() {
			p.reflect(ctx, DiaryRoom(p.cfg.GameID, p.cfg.ID),
				"You are in the diary room. Write a short, honest diary entry about the game so far.")
		})
		p.ready(pl.RoomID, protocol.ReadyDiaryRoom, "")

	case protocol.EventPhaseStalled:
		p.logger.Debug("phase stalled", "phase", pl.Phase, "error", pl.Error)
	}
}

// once runs fn the first time task is seen. Re-solicited barriers are
// answered again without writing twice.
func (p *Player) once(task string, fn func()) {
	p.mu.Lock()
	seen := p.done[task]
	p.done[task] = true
	p.mu.Unlock()
	if !seen {
		fn()
	}
}

func (p *Player) ack(msg protocol.Message) {
	p.deps.Bus.Publish(protocol.Ack(p.cfg.GameID, p.cfg.ID, msg.ID))
}

func (p *Player) ready(roomID, kind, target string) {
	p.logger.Debug("signalling ready", "ready_type", kind, "room_id", roomID)
	p.deps.Bus.Publish(protocol.Ready(p.cfg.GameID, roomID, p.cfg.ID, kind, target))
}

func (p *Player) introduce(ctx context.Context) {
	text := p.compose(ctx, "Introduce yourself to the other players in one or two sentences.")
	p.send(ctx, phase.ChannelID(p.cfg.GameID, phase.Introduction), text)
}

func (p *Player) chat(ctx context.Context) {
	lobby := phase.ChannelID(p.cfg.GameID, phase.Lobby)
	for i := 0; i < p.cfg.LobbyMessages; i++ {
		text := p.compose(ctx, fmt.Sprintf("You are chatting in the lobby. Write message %d of %d.", i+1, p.cfg.LobbyMessages))
		if !p.send(ctx, lobby, text) {
			return
		}
	}
}

func (p *Player) reflect(ctx context.Context, room, prompt string) {
	text := p.compose(ctx, prompt)
	if p.deps.Journal == nil {
		return
	}
	if _, err := p.deps.Journal.Append(room, p.cfg.ID, text); err != nil {
		p.logger.Warn("journal entry not written", "room_id", room, "error", err)
	}
}

// compose asks the completer for text, falling back to a fixed line so a
// failing completion service never leaves a barrier unanswered.
func (p *Player) compose(ctx context.Context, task string) string {
	prompt := task
	if p.cfg.Persona != "" {
		prompt = p.cfg.Persona + "\n\n" + task
	}
	text, err := p.deps.Completer.Complete(ctx, prompt, p.cfg.Params)
	if err != nil {
		p.logger.Warn("completion failed", "error", err)
		return fmt.Sprintf("%s has nothing to add.", p.cfg.ID)
	}
	return text
}

func (p *Player) send(ctx context.Context, channelID, text string) bool {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := p.deps.Relay.Send(ctx, channelID, text, p.cfg.ID); err != nil {
		p.logger.Warn("message not sent", "channel_id", channelID, "error", err)
		return false
	}
	return true
}

// RelayJournal writes journal entries as messages on a relay, for players
// that do not share a store with the house.
type RelayJournal struct {
	Relay relay.Relay
}

func (j RelayJournal) Append(roomID, authorID, content string) (storage.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	msg, err := j.Relay.Send(ctx, roomID, content, authorID)
	if err != nil {
		return storage.Entry{}, err
	}
	return storage.Entry{At: msg.At, RoomID: roomID, AuthorID: authorID, Content: content, Seq: msg.Seq}, nil
}
