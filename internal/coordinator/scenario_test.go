package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/completion"
	"github.com/dreamware/whisperhouse/internal/config"
	"github.com/dreamware/whisperhouse/internal/coordinator"
	"github.com/dreamware/whisperhouse/internal/participant"
	"github.com/dreamware/whisperhouse/internal/phase"
	"github.com/dreamware/whisperhouse/internal/protocol"
	"github.com/dreamware/whisperhouse/internal/relay"
	"github.com/dreamware/whisperhouse/internal/storage"
)

// TestFullGame plays a game from INIT to END with three autonomous players:
// introductions and readiness move it to LOBBY, spent lobby budgets end the
// round, the moderator drives the WHISPER wrap-up and the later phases.
func TestFullGame(t *testing.T) {
	b := bus.New()
	defer b.Close()
	store := storage.NewMemoryStore()
	transcripts := storage.NewTranscripts(store)
	mem := relay.NewMemory(transcripts)

	reg := coordinator.NewRegistry(coordinator.Options{Bus: b, Relay: mem, Store: store})
	defer reg.Close()

	events := b.Subscribe("observer", bus.All(
		bus.OfKind(protocol.KindGameEvent),
		bus.OfEvent(protocol.EventPhaseStarted, protocol.EventPhaseEnded, protocol.EventRoundEnded),
	))

	settings := config.Default()
	settings.LobbyMessagesPerParticipant = 2
	settings.BarrierTimeout = 5 * time.Second
	for p := range settings.PhaseTimers {
		settings.PhaseTimers[p] = 0
	}
	players := []string{"alice", "bob", "carol"}
	gameID, err := reg.CreateGame(players, settings)
	require.NoError(t, err)
	game, err := reg.GetGame(gameID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, id := range players {
		before := b.Len()
		p := participant.New(participant.Config{ID: id, GameID: gameID, LobbyMessages: 2}, participant.Deps{
			Bus:       b,
			Relay:     mem,
			Completer: completion.NewScripted(),
			Journal:   transcripts,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Run(ctx))
		}()
		require.Eventually(t, func() bool { return b.Len() > before }, time.Second, time.Millisecond)
	}

	waitFor := func(want phase.Phase) {
		t.Helper()
		require.Eventually(t, func() bool {
			return game.Machine().Phase() == want
		}, 5*time.Second, 5*time.Millisecond, "waiting for %s", want)
	}

	require.NoError(t, reg.Start(gameID))
	waitFor(phase.Whisper)

	intro := mem.History(phase.ChannelID(gameID, phase.Introduction), 0)
	assert.Len(t, intro, 3, "one introduction each")
	lobby := mem.History(phase.ChannelID(gameID, phase.Lobby), 0)
	assert.Len(t, lobby, 6, "every lobby budget is spent")

	require.NoError(t, reg.Advance(gameID, "moderator"))
	waitFor(phase.Rumor)
	for _, id := range players {
		diary, err := transcripts.Query(participant.DiaryRoom(gameID, id), 0)
		require.NoError(t, err)
		assert.Len(t, diary, 1, "%s wrote a diary entry", id)
		notes, err := transcripts.Query(participant.StrategyRoom(gameID, id), 0)
		require.NoError(t, err)
		assert.Len(t, notes, 1, "%s wrote strategy notes", id)
	}

	for _, want := range []phase.Phase{phase.Vote, phase.Power, phase.Reveal} {
		require.NoError(t, reg.Advance(gameID, "moderator"))
		assert.Equal(t, want, game.Machine().Phase())
	}
	require.NoError(t, reg.EndGame(gameID, "one player left"))
	assert.Equal(t, phase.End, game.Machine().Phase())

	var (
		started []phase.Phase
		rounds  int
	)
	var lobbyStart protocol.Message
drain:
	for {
		select {
		case m := <-events.C():
			switch m.Payload.Type {
			case protocol.EventPhaseStarted:
				started = append(started, phase.Phase(m.Payload.Phase))
				if m.Payload.Phase == string(phase.Lobby) {
					lobbyStart = m
				}
			case protocol.EventRoundEnded:
				if m.Payload.Phase == string(phase.Lobby) {
					rounds++
				}
			}
		case <-time.After(200 * time.Millisecond):
			break drain
		}
	}

	assert.Equal(t, []phase.Phase{
		phase.Introduction, phase.Lobby, phase.Whisper, phase.Rumor,
		phase.Vote, phase.Power, phase.Reveal, phase.End,
	}, started, "every phase starts exactly once")
	assert.Equal(t, 0, lobbyStart.Payload.Round)
	assert.Equal(t, 1, rounds, "the lobby round ends once")

	var triggers []phase.Trigger
	for _, tr := range game.Machine().History() {
		triggers = append(triggers, tr.Trigger)
	}
	assert.Equal(t, []phase.Trigger{
		phase.TriggerStart, phase.TriggerBarrier, phase.TriggerCapacity, phase.TriggerBarrier,
		phase.TriggerModerator, phase.TriggerModerator, phase.TriggerModerator, phase.TriggerEnd,
	}, triggers)
}
