package protocol

import "golang.org/x/exp/slices"

// EventType identifies the kind-specific payload of a message.
type EventType string

const (
	EventAreYouReady               EventType = "ARE_YOU_READY"
	EventIAmReady                  EventType = "I_AM_READY"
	EventPlayerReady               EventType = "PLAYER_READY"
	EventAllPlayersReady           EventType = "ALL_PLAYERS_READY"
	EventPhaseStarted              EventType = "PHASE_STARTED"
	EventPhaseEnded                EventType = "PHASE_ENDED"
	EventPhaseStalled              EventType = "PHASE_STALLED"
	EventPhaseForced               EventType = "PHASE_FORCED"
	EventTransitionFailed          EventType = "TRANSITION_FAILED"
	EventRoundEnded                EventType = "ROUND_ENDED"
	EventDiaryRoomOpened           EventType = "DIARY_ROOM_OPENED"
	EventStrategicThinkingRequired EventType = "STRATEGIC_THINKING_REQUIRED"
	EventWhisperRoomOpened         EventType = "WHISPER_ROOM_OPENED"
	EventWhisperRoomClosed         EventType = "WHISPER_ROOM_CLOSED"
	EventHeartbeat                 EventType = "HEARTBEAT"
	EventAck                       EventType = "ACK"
)

// Readiness kinds used as the third component of a barrier key.
const (
	ReadyPhaseAction       = "phase_action"
	ReadyStrategicThinking = "strategic_thinking"
	ReadyDiaryRoom         = "diary_room"
)

// Payload is the flat, kind-specific body of a message. Only the fields
// relevant to Type are populated.
type Payload struct {
	Type              EventType `json:"type"`
	GameID            string    `json:"gameId,omitempty"`
	RoomID            string    `json:"roomId,omitempty"`
	ChannelID         string    `json:"channelId,omitempty"`
	ReadyType         string    `json:"readyType,omitempty"`
	TargetPhase       string    `json:"targetPhase,omitempty"`
	TimeoutMs         int64     `json:"timeoutMs,omitempty"`
	ReadyParticipants []string  `json:"readyParticipants,omitempty"`
	Expected          int       `json:"expected,omitempty"`
	Phase             string    `json:"phase,omitempty"`
	Round             int       `json:"round"`
	TimerEndsAt       int64     `json:"timerEndsAt,omitempty"`
	ParticipantID     string    `json:"participantId,omitempty"`
	FromPhase         string    `json:"fromPhase,omitempty"`
	ToPhase           string    `json:"toPhase,omitempty"`
	Owner             string    `json:"owner,omitempty"`
	Participants      []string  `json:"participants,omitempty"`
	Actor             string    `json:"actor,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Trigger           string    `json:"trigger,omitempty"`
	Error             string    `json:"error,omitempty"`
	AckOf             string    `json:"ackOf,omitempty"`
}

func (p Payload) clone() Payload {
	p.ReadyParticipants = slices.Clone(p.ReadyParticipants)
	p.Participants = slices.Clone(p.Participants)
	return p
}

// Ready builds the I_AM_READY signal a participant publishes to the house.
func Ready(gameID, roomID, participantID, readyType, targetPhase string) Message {
	return New(KindReady, participantID, To(HouseID), Payload{
		Type:          EventIAmReady,
		GameID:        gameID,
		RoomID:        roomID,
		ParticipantID: participantID,
		ReadyType:     readyType,
		TargetPhase:   targetPhase,
	})
}

// Heartbeat builds a liveness beacon from a participant.
func Heartbeat(gameID, participantID string) Message {
	return New(KindHeartbeat, participantID, To(HouseID), Payload{
		Type:          EventHeartbeat,
		GameID:        gameID,
		ParticipantID: participantID,
	})
}

// Ack acknowledges receipt of another message.
func Ack(gameID, participantID, messageID string) Message {
	return New(KindAck, participantID, To(HouseID), Payload{
		Type:          EventAck,
		GameID:        gameID,
		ParticipantID: participantID,
		AckOf:         messageID,
	})
}

// IsReadySignal reports whether a message is a readiness signal, accepting
// both the I_AM_READY and the generic PLAYER_READY spelling.
func IsReadySignal(m Message) bool {
	return m.Payload.Type == EventIAmReady || m.Payload.Type == EventPlayerReady
}
