package phase

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Phase is one named stage of a game.
type Phase string

const (
	Init         Phase = "INIT"
	Introduction Phase = "INTRODUCTION"
	Lobby        Phase = "LOBBY"
	Whisper      Phase = "WHISPER"
	Rumor        Phase = "RUMOR"
	Vote         Phase = "VOTE"
	Power        Phase = "POWER"
	Reveal       Phase = "REVEAL"
	End          Phase = "END"
)

// Sequence lists the non-terminal phases in game order.
var Sequence = []Phase{Init, Introduction, Lobby, Whisper, Rumor, Vote, Power, Reveal}

// Valid reports whether p is a declared phase.
func (p Phase) Valid() bool {
	return p == End || slices.Contains(Sequence, p)
}

// Parse converts a phase name into a Phase.
func Parse(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Trigger is what causes a transition.
type Trigger string

const (
	TriggerStart     Trigger = "start"             // explicit start with enough participants
	TriggerBarrier   Trigger = "barrier_satisfied" // readiness barrier met
	TriggerCapacity  Trigger = "capacity_exhausted"
	TriggerTimer     Trigger = "timer_expired"
	TriggerModerator Trigger = "moderator_signal"
	TriggerForce     Trigger = "force_advance"
	TriggerEnd       Trigger = "end_condition"
)

var (
	// ErrIllegalTransition is returned when no declared edge admits the trigger.
	ErrIllegalTransition = errors.New("illegal phase transition")

	// ErrWrongPhase is returned when an operation is not valid in the current phase.
	ErrWrongPhase = errors.New("operation not valid in current phase")

	// ErrNotEnoughParticipants is returned by Start below the minimum participant count.
	ErrNotEnoughParticipants = errors.New("not enough active participants")

	// ErrGameOver is returned by every operation once the machine reached END.
	ErrGameOver = errors.New("game is over")
)

type edge struct {
	to       Phase
	triggers []Trigger
}

// edges is the complete transition table. Forced transitions may take any
// edge listed here but never one that is absent.
var edges = map[Phase][]edge{
	Init:         {{Introduction, []Trigger{TriggerStart}}},
	Introduction: {{Lobby, []Trigger{TriggerBarrier}}},
	Lobby:        {{Whisper, []Trigger{TriggerCapacity, TriggerTimer}}},
	Whisper:      {{Rumor, []Trigger{TriggerBarrier}}},
	Rumor:        {{Vote, []Trigger{TriggerTimer, TriggerModerator}}},
	Vote:         {{Power, []Trigger{TriggerTimer, TriggerModerator}}},
	Power:        {{Reveal, []Trigger{TriggerTimer, TriggerModerator}}},
	Reveal: {
		{Vote, []Trigger{TriggerTimer, TriggerModerator}},
		{End, []Trigger{TriggerEnd}},
	},
}

// Next returns the phase reached from `from` on trigger t.
func Next(from Phase, t Trigger) (Phase, bool) {
	for _, e := range edges[from] {
		if slices.Contains(e.triggers, t) {
			return e.to, true
		}
	}
	return "", false
}

// CanTransition reports whether from → to is a declared edge.
func CanTransition(from, to Phase) bool {
	for _, e := range edges[from] {
		if e.to == to {
			return true
		}
	}
	return false
}

// Successor returns the primary forward edge of from: the target a forced
// advance takes. REVEAL's successor is VOTE; END has none.
func Successor(from Phase) (Phase, bool) {
	es := edges[from]
	if len(es) == 0 {
		return "", false
	}
	return es[0].to, true
}

// BarrierRoom is the room component of phase-level readiness keys.
func BarrierRoom(p Phase) string {
	return "phase:" + string(p)
}

// ChannelID is the id of the channel a game creates for phase p.
func ChannelID(gameID string, p Phase) string {
	return gameID + "-" + strings.ToLower(string(p))
}
