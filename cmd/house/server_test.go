package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/config"
	"github.com/dreamware/whisperhouse/internal/coordinator"
	"github.com/dreamware/whisperhouse/internal/phase"
	"github.com/dreamware/whisperhouse/internal/protocol"
	"github.com/dreamware/whisperhouse/internal/relay"
	"github.com/dreamware/whisperhouse/internal/storage"
	"github.com/dreamware/whisperhouse/internal/wire"
)

type testHouse struct {
	reg *coordinator.Registry
	bus *bus.Bus
	url string
}

func newTestHouse(t *testing.T) *testHouse {
	t.Helper()
	b := bus.New()
	mem := relay.NewMemory(nil)
	store := storage.NewMemoryStore()
	reg := coordinator.NewRegistry(coordinator.Options{Bus: b, Relay: mem, Store: store})

	settings := config.Default()
	for p := range settings.PhaseTimers {
		settings.PhaseTimers[p] = 0
	}
	ts := httptest.NewServer(newServer(reg, b, mem, mem, store, settings, nil).routes())
	t.Cleanup(func() {
		ts.Close()
		reg.Close()
		b.Close()
	})
	return &testHouse{reg: reg, bus: b, url: ts.URL}
}

func (h *testHouse) createGame(t *testing.T, participants ...string) string {
	t.Helper()
	var resp wire.CreateGameResponse
	require.NoError(t, wire.PostJSON(context.Background(), h.url+"/games", wire.CreateGameRequest{Participants: participants}, &resp))
	require.NotEmpty(t, resp.GameID)
	return resp.GameID
}

func (h *testHouse) action(t *testing.T, gameID, verb string, req wire.ActionRequest) (wire.GameView, error) {
	t.Helper()
	var view wire.GameView
	err := wire.PostJSON(context.Background(), h.url+"/games/"+gameID+"/"+verb, req, &view)
	return view, err
}

// statusOf returns the HTTP status carried by err, or 0.
func statusOf(err error) int {
	var serr *wire.StatusError
	if errors.As(err, &serr) {
		return serr.Code
	}
	return 0
}

func TestHealth(t *testing.T) {
	h := newTestHouse(t)
	h.createGame(t, "alice", "bob", "carol")

	var resp wire.HealthResponse
	require.NoError(t, wire.GetJSON(context.Background(), h.url+"/health", &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, releaseVersion, resp.Version)
	assert.Equal(t, 1, resp.Games)
	assert.Equal(t, 3, resp.Records, "roster and two default channels")
}

func TestCreateGameErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{"bad json", "not an object", http.StatusBadRequest},
		{"too few participants", wire.CreateGameRequest{Participants: []string{"alice"}}, http.StatusBadRequest},
		{"reserved participant", wire.CreateGameRequest{Participants: []string{"alice", "bob", protocol.HouseID}}, http.StatusBadRequest},
		{
			name: "invalid settings",
			body: wire.CreateGameRequest{
				Participants: []string{"alice", "bob", "carol"},
				Settings:     []byte(`{"min_participants": 5, "max_participants": 2}`),
			},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHouse(t)
			err := wire.PostJSON(context.Background(), h.url+"/games", tt.body, nil)
			assert.Equal(t, tt.wantCode, statusOf(err), "error: %v", err)
			assert.Empty(t, h.reg.Games())
		})
	}
}

func TestCreateGameWithSettings(t *testing.T) {
	h := newTestHouse(t)
	var resp wire.CreateGameResponse
	require.NoError(t, wire.PostJSON(context.Background(), h.url+"/games", wire.CreateGameRequest{
		Participants: []string{"alice", "bob"},
		Settings:     []byte(`{"min_participants": 2, "lobby_messages_per_participant": 4, "phase_timers": {"LOBBY": "30s"}}`),
	}, &resp))

	g, err := h.reg.GetGame(resp.GameID)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Settings.LobbyMessagesPerParticipant)
	assert.Equal(t, 30*time.Second, g.Settings.PhaseTimers["LOBBY"])
	assert.Equal(t, 10*time.Minute, g.Settings.PhaseTimers["WHISPER"], "unset timers keep their defaults")
}

func TestUnknownResources(t *testing.T) {
	h := newTestHouse(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, statusOf(wire.GetJSON(ctx, h.url+"/games/nope", nil)))
	_, err := h.action(t, "nope", "start", wire.ActionRequest{})
	assert.Equal(t, http.StatusNotFound, statusOf(err))
	assert.Equal(t, http.StatusNotFound, statusOf(wire.Delete(ctx, h.url+"/rooms/nope")))
	err = wire.PostJSON(ctx, h.url+"/games/nope/channels", wire.CreateChannelRequest{Phase: "RUMOR"}, nil)
	assert.Equal(t, http.StatusNotFound, statusOf(err))
}

// TestGameLifecycle walks one game through the moderator endpoints.
func TestGameLifecycle(t *testing.T) {
	h := newTestHouse(t)
	ctx := context.Background()
	id := h.createGame(t, "alice", "bob", "carol")

	var view wire.GameView
	require.NoError(t, wire.GetJSON(ctx, h.url+"/games/"+id, &view))
	assert.Equal(t, string(phase.Init), view.Phase)
	assert.Equal(t, []string{"alice", "bob", "carol"}, view.Active)
	require.Len(t, view.Channels, 2)
	for _, ch := range view.Channels {
		assert.Equal(t, "phase", ch.Kind)
		assert.Len(t, ch.Budget, 3)
	}

	_, err := h.action(t, id, "retry", wire.ActionRequest{})
	assert.Equal(t, http.StatusConflict, statusOf(err), "nothing stalled")

	view, err = h.action(t, id, "start", wire.ActionRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(phase.Introduction), view.Phase)

	_, err = h.action(t, id, "force", wire.ActionRequest{Actor: "mod"})
	assert.Equal(t, http.StatusBadRequest, statusOf(err), "a forced advance needs a reason")

	view, err = h.action(t, id, "force", wire.ActionRequest{Actor: "mod", Reason: "skip intros"})
	require.NoError(t, err)
	assert.Equal(t, string(phase.Lobby), view.Phase)
	assert.Equal(t, string(phase.Introduction), view.Previous)

	_, err = h.action(t, id, "end", wire.ActionRequest{Reason: "too early"})
	assert.Equal(t, http.StatusConflict, statusOf(err))

	for _, want := range []phase.Phase{phase.Whisper, phase.Rumor, phase.Vote, phase.Power, phase.Reveal} {
		view, err = h.action(t, id, "force", wire.ActionRequest{Reason: "test"})
		require.NoError(t, err)
		require.Equal(t, string(want), view.Phase)
	}
	view, err = h.action(t, id, "end", wire.ActionRequest{Reason: "winner decided"})
	require.NoError(t, err)
	assert.Equal(t, string(phase.End), view.Phase)

	_, err = h.action(t, id, "force", wire.ActionRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, statusOf(err), "the game is over")
}

func TestWhisperRoomEndpoints(t *testing.T) {
	h := newTestHouse(t)
	ctx := context.Background()
	id := h.createGame(t, "alice", "bob", "carol")

	var room wire.RoomView
	err := wire.PostJSON(ctx, h.url+"/games/"+id+"/rooms", wire.CreateRoomRequest{Owner: "alice", Invitees: []string{"bob"}}, &room)
	assert.Equal(t, http.StatusConflict, statusOf(err), "rooms open only during WHISPER")

	_, err = h.action(t, id, "start", wire.ActionRequest{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = h.action(t, id, "force", wire.ActionRequest{Reason: "test"})
		require.NoError(t, err)
	}

	err = wire.PostJSON(ctx, h.url+"/games/"+id+"/rooms", wire.CreateRoomRequest{Owner: "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, statusOf(err), "a room needs an invitee")

	require.NoError(t, wire.PostJSON(ctx, h.url+"/games/"+id+"/rooms", wire.CreateRoomRequest{Owner: "alice", Invitees: []string{"bob"}}, &room))
	assert.Equal(t, []string{"alice", "bob"}, room.Participants)
	assert.Equal(t, 5, room.MaxMessages)

	post := func(author string) error {
		return wire.PostJSON(ctx, h.url+"/channels/"+room.ID+"/messages", wire.PostMessageRequest{AuthorID: author, Content: "psst"}, nil)
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, post("bob"))
	}
	assert.Equal(t, http.StatusConflict, statusOf(post("bob")), "message cap reached")
	assert.Equal(t, http.StatusBadRequest, statusOf(post("carol")), "not a member")

	var history []relay.Message
	require.NoError(t, wire.GetJSON(ctx, h.url+"/channels/"+room.ID+"/messages", &history))
	assert.Len(t, history, 5)

	require.NoError(t, wire.Delete(ctx, h.url+"/rooms/"+room.ID))
	got, err := h.reg.Rooms().Get(room.ID)
	require.NoError(t, err)
	assert.True(t, got.Closed)
	assert.Equal(t, http.StatusConflict, statusOf(post("alice")), "the room is closed")
}

func TestCreateChannelEndpoint(t *testing.T) {
	h := newTestHouse(t)
	id := h.createGame(t, "alice", "bob", "carol")

	var ch wire.ChannelView
	require.NoError(t, wire.PostJSON(context.Background(), h.url+"/games/"+id+"/channels",
		wire.CreateChannelRequest{ID: "rumor-mill", Phase: "rumor", Members: []string{"alice", "bob"}, Quota: 2}, &ch))
	assert.Equal(t, "rumor-mill", ch.ID)
	assert.Equal(t, string(phase.Rumor), ch.Phase)
	assert.Equal(t, map[string]int{"alice": 2, "bob": 2}, ch.Budget)

	err := wire.PostJSON(context.Background(), h.url+"/games/"+id+"/channels", wire.CreateChannelRequest{ID: "rumor-mill", Phase: "RUMOR"}, nil)
	assert.Equal(t, http.StatusConflict, statusOf(err))
	err = wire.PostJSON(context.Background(), h.url+"/games/"+id+"/channels", wire.CreateChannelRequest{Phase: "INTERMISSION"}, nil)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))
}

// TestChannelMessagesThroughHTTPRelay uses the relay client players run
// against the house, and checks that lobby messages spend budgets.
func TestChannelMessagesThroughHTTPRelay(t *testing.T) {
	h := newTestHouse(t)
	ctx := context.Background()
	id := h.createGame(t, "alice", "bob", "carol")
	_, err := h.action(t, id, "start", wire.ActionRequest{})
	require.NoError(t, err)
	_, err = h.action(t, id, "force", wire.ActionRequest{Reason: "test"})
	require.NoError(t, err)

	client := relay.NewHTTPClient(h.url, 10*time.Millisecond, nil)
	lobby := phase.ChannelID(id, phase.Lobby)
	sent, err := client.Send(ctx, lobby, "hello all", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, sent.Seq)

	msgs, err := client.Fetch(ctx, lobby, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello all", msgs[0].Content)

	require.Eventually(t, func() bool {
		return h.reg.Capacity().Remaining(lobby, "alice") == 2
	}, time.Second, 5*time.Millisecond, "the registry counts relayed lobby messages")

	err = wire.PostJSON(ctx, h.url+"/channels/"+lobby+"/messages", wire.PostMessageRequest{AuthorID: "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))
	assert.Equal(t, http.StatusBadRequest, statusOf(wire.GetJSON(ctx, h.url+"/channels/"+lobby+"/messages?since=-1", nil)))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{coordinator.ErrUnknownGame, http.StatusNotFound},
		{coordinator.ErrTooFewParticipants, http.StatusBadRequest},
		{phase.ErrIllegalTransition, http.StatusConflict},
		{phase.ErrWrongPhase, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
