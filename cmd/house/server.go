package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dreamware/whisperhouse/internal/bus"
	"github.com/dreamware/whisperhouse/internal/config"
	"github.com/dreamware/whisperhouse/internal/coordinator"
	"github.com/dreamware/whisperhouse/internal/phase"
	"github.com/dreamware/whisperhouse/internal/relay"
	"github.com/dreamware/whisperhouse/internal/rooms"
	"github.com/dreamware/whisperhouse/internal/storage"
	"github.com/dreamware/whisperhouse/internal/wire"
)

const moderator = "moderator"

var errBadRequest = errors.New("bad request")

// historySource serves channel backlogs for polling relays.
type historySource interface {
	History(channelID string, since int) []relay.Message
}

type server struct {
	reg      *coordinator.Registry
	bus      *bus.Bus
	relay    relay.Relay
	history  historySource
	store    storage.Store // Optional
	settings config.Settings // Used when a game is created without settings
	logger   *slog.Logger
}

func newServer(reg *coordinator.Registry, b *bus.Bus, rel relay.Relay, history historySource, store storage.Store, settings config.Settings, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{reg: reg, bus: b, relay: rel, history: history, store: store, settings: settings, logger: logger}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/bus", bus.Handler(s.bus, s.logger))

	r.Route("/games", func(r chi.Router) {
		r.Post("/", s.handleCreateGame)
		r.Route("/{gameID}", func(r chi.Router) {
			r.Get("/", s.handleGetGame)
			r.Post("/start", s.handleStart)
			r.Post("/advance", s.handleAdvance)
			r.Post("/force", s.handleForce)
			r.Post("/end", s.handleEnd)
			r.Post("/retry", s.handleRetry)
			r.Post("/channels", s.handleCreateChannel)
			r.Post("/rooms", s.handleOpenRoom)
		})
	})
	r.Delete("/rooms/{roomID}", s.handleCloseRoom)
	r.Route("/channels/{channelID}/messages", func(r chi.Router) {
		r.Post("/", s.handlePostMessage)
		r.Get("/", s.handleListMessages)
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := wire.HealthResponse{Status: "ok", Version: releaseVersion, Games: len(s.reg.Games())}
	if s.store != nil {
		resp.Records = s.store.Stats().Keys
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateGameRequest
	if !decode(w, r, &req) {
		return
	}
	settings := s.settings
	if len(req.Settings) > 0 && string(req.Settings) != "null" {
		parsed, err := config.ParseSettings(req.Settings)
		if err != nil {
			s.fail(w, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
		settings = parsed
	}

	id, err := s.reg.CreateGame(req.Participants, settings)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.CreateGameResponse{GameID: id})
}

func (s *server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.reg.GetGame(chi.URLParam(r, "gameID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.gameView(g))
}

func (s *server) gameView(g *coordinator.Game) wire.GameView {
	st := g.Machine().Status()
	view := wire.GameView{
		ID:           g.ID,
		Phase:        string(st.Phase),
		Previous:     string(st.Previous),
		Round:        st.Round,
		Participants: g.Participants(),
		Active:       g.Active(),
		Channels:     []wire.ChannelView{},
	}
	if st.WrapUp != phase.StepIdle {
		view.WrapUp = string(st.WrapUp)
	}
	if !st.TimerEndsAt.IsZero() {
		view.TimerEndsAt = st.TimerEndsAt.UnixMilli()
	}
	if st.Stall != nil {
		view.Stall = &wire.StallView{
			Phase:    string(st.Stall.Phase),
			Kind:     st.Stall.Kind,
			Message:  st.Stall.String(),
			Ready:    st.Stall.Ready,
			Expected: st.Stall.Expected,
		}
	}

	capacity := s.reg.Capacity()
	for _, ch := range g.Channels() {
		cv := wire.ChannelView{
			ID:      ch.ID,
			GameID:  ch.GameID,
			Kind:    "open",
			Phase:   string(ch.Phase),
			Members: ch.Members,
			Quota:   ch.Quota,
			Budget:  make(map[string]int),
		}
		if ch.Phase != "" {
			cv.Kind = "phase"
		}
		members := ch.Members
		if len(members) == 0 {
			cv.Members = g.Participants()
			members = cv.Members
		}
		for _, id := range members {
			cv.Budget[id] = capacity.Remaining(ch.ID, id)
		}
		view.Channels = append(view.Channels, cv)
	}
	return view
}

// action decodes an optional ActionRequest body.
func action(w http.ResponseWriter, r *http.Request) (wire.ActionRequest, bool) {
	var req wire.ActionRequest
	if r.ContentLength == 0 {
		return req, true
	}
	return req, decode(w, r, &req)
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.reg.Start(chi.URLParam(r, "gameID")))
}

func (s *server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	req, ok := action(w, r)
	if !ok {
		return
	}
	if req.Actor == "" {
		req.Actor = moderator
	}
	s.respond(w, r, s.reg.Advance(chi.URLParam(r, "gameID"), req.Actor))
}

func (s *server) handleForce(w http.ResponseWriter, r *http.Request) {
	req, ok := action(w, r)
	if !ok {
		return
	}
	if req.Actor == "" {
		req.Actor = moderator
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.fail(w, fmt.Errorf("%w: a forced advance needs a reason", errBadRequest))
		return
	}
	s.respond(w, r, s.reg.ForceAdvance(chi.URLParam(r, "gameID"), req.Actor, req.Reason))
}

func (s *server) handleEnd(w http.ResponseWriter, r *http.Request) {
	req, ok := action(w, r)
	if !ok {
		return
	}
	s.respond(w, r, s.reg.EndGame(chi.URLParam(r, "gameID"), req.Reason))
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.reg.RetryBarrier(chi.URLParam(r, "gameID")))
}

// respond answers a lifecycle action with the game's state after it.
func (s *server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	s.handleGetGame(w, r)
}

func (s *server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateChannelRequest
	if !decode(w, r, &req) {
		return
	}
	gameID := chi.URLParam(r, "gameID")
	id, err := s.reg.CreateChannel(gameID, coordinator.ChannelConfig{
		ID:      req.ID,
		Phase:   phase.Phase(strings.ToUpper(req.Phase)),
		Members: req.Members,
		Quota:   req.Quota,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	g, err := s.reg.GetGame(gameID)
	if err != nil {
		s.fail(w, err)
		return
	}
	for _, ch := range s.gameView(g).Channels {
		if ch.ID == id {
			writeJSON(w, http.StatusCreated, ch)
			return
		}
	}
	s.fail(w, fmt.Errorf("%w: %s", coordinator.ErrUnknownChannel, id))
}

func (s *server) handleOpenRoom(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateRoomRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.reg.OpenWhisperRoom(chi.URLParam(r, "gameID"), req.Owner, req.Invitees)
	if err != nil {
		s.fail(w, err)
		return
	}
	room, err := s.reg.Rooms().Get(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomView(room))
}

func (s *server) handleCloseRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "roomID")
	if err := s.reg.CloseWhisperRoom(id, "closed by "+moderator); err != nil {
		s.fail(w, err)
		return
	}
	room, err := s.reg.Rooms().Get(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomView(room))
}

func roomView(room rooms.Room) wire.RoomView {
	return wire.RoomView{
		ID:           room.ID,
		GameID:       room.GameID,
		Owner:        room.Owner,
		Participants: room.Participants,
		Sent:         room.Sent,
		MaxMessages:  room.Caps.MaxMessagesPerParticipant,
		Closed:       room.Closed,
	}
}

// handlePostMessage relays a chat line. Whisper room messages are checked
// against the room's caps first; game channel messages are counted by the
// registry's channel watchers once the relay delivers them.
func (s *server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req wire.PostMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AuthorID == "" || strings.TrimSpace(req.Content) == "" {
		s.fail(w, fmt.Errorf("%w: authorId and content are required", errBadRequest))
		return
	}
	channelID := chi.URLParam(r, "channelID")

	if _, err := s.reg.Rooms().Get(channelID); err == nil {
		ok, err := s.reg.RecordWhisper(channelID, req.AuthorID)
		if err != nil {
			s.fail(w, err)
			return
		}
		if !ok {
			s.fail(w, fmt.Errorf("%w: %s", rooms.ErrRoomMessageCapExceeded, req.AuthorID))
			return
		}
	}

	msg, err := s.relay.Send(r.Context(), channelID, req.Content, req.AuthorID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(w, fmt.Errorf("%w: since must be a non-negative integer", errBadRequest))
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, s.history.History(chi.URLParam(r, "channelID"), since))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "bad json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	} else {
		s.logger.Debug("request rejected", "status", code, "error", err)
	}
	writeJSON(w, code, wire.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownGame),
		errors.Is(err, coordinator.ErrUnknownChannel),
		errors.Is(err, rooms.ErrUnknownRoom):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, coordinator.ErrInvalidConfig),
		errors.Is(err, coordinator.ErrUnknownParticipant),
		errors.Is(err, coordinator.ErrTooFewParticipants),
		errors.Is(err, coordinator.ErrTooManyParticipants),
		errors.Is(err, rooms.ErrNoInvitees),
		errors.Is(err, rooms.ErrNotRoomMember):
		return http.StatusBadRequest
	case errors.Is(err, phase.ErrWrongPhase),
		errors.Is(err, phase.ErrIllegalTransition),
		errors.Is(err, phase.ErrGameOver),
		errors.Is(err, phase.ErrNoStall),
		errors.Is(err, phase.ErrNotEnoughParticipants),
		errors.Is(err, coordinator.ErrChannelExists),
		errors.Is(err, rooms.ErrRoomCapacityExceeded),
		errors.Is(err, rooms.ErrRoomMessageCapExceeded),
		errors.Is(err, rooms.ErrRoomClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
