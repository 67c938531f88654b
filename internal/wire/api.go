package wire

import "encoding/json"

type ErrorResponse struct {
	Error string `json:"error"`
}

type CreateGameRequest struct {
	// Settings is a settings document (JSON or YAML keys, see config.ParseSettings).
	Settings     json.RawMessage `json:"settings,omitempty"`
	Participants []string        `json:"participants"`
}

type CreateGameResponse struct {
	GameID string `json:"gameId"`
}

type ActionRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type StallView struct {
	Phase    string   `json:"phase"`
	Kind     string   `json:"readyType"`
	Message  string   `json:"message"`
	Ready    []string `json:"ready"`
	Expected int      `json:"expected"`
}

type GameView struct {
	Stall        *StallView    `json:"stall,omitempty"`
	ID           string        `json:"id"`
	Phase        string        `json:"phase"`
	Previous     string        `json:"previous,omitempty"`
	WrapUp       string        `json:"wrapUp,omitempty"`
	Participants []string      `json:"participants"`
	Active       []string      `json:"active"`
	Channels     []ChannelView `json:"channels"`
	Round        int           `json:"round"`
	TimerEndsAt  int64         `json:"timerEndsAt,omitempty"`
}

type CreateChannelRequest struct {
	ID      string   `json:"id,omitempty"` // Optional; generated when empty
	Phase   string   `json:"phase"`
	Members []string `json:"members,omitempty"` // Defaults to every participant
	Quota   int      `json:"quota,omitempty"`   // Per-participant messages per round; 0 = untracked
}

type ChannelView struct {
	ID      string         `json:"id"`
	GameID  string         `json:"gameId"`
	Kind    string         `json:"kind"`
	Phase   string         `json:"phase,omitempty"`
	Members []string       `json:"members"`
	Budget  map[string]int `json:"budget,omitempty"`
	Quota   int            `json:"quota,omitempty"`
}

type CreateRoomRequest struct {
	Owner    string   `json:"owner"`
	Invitees []string `json:"invitees"`
}

type RoomView struct {
	ID           string         `json:"id"`
	GameID       string         `json:"gameId"`
	Owner        string         `json:"owner"`
	Participants []string       `json:"participants"`
	Sent         map[string]int `json:"sent"`
	MaxMessages  int            `json:"maxMessages"`
	Closed       bool           `json:"closed"`
}

type PostMessageRequest struct {
	AuthorID string `json:"authorId"`
	Content  string `json:"content"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Games   int    `json:"games"`
	Records int    `json:"records,omitempty"` // Keys in the house store
}
