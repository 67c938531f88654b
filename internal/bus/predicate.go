package bus

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/whisperhouse/internal/protocol"
)

// Addressed matches messages whose target selector includes id.
func Addressed(id string) Predicate {
	return func(m protocol.Message) bool { return m.Targets(id) }
}

// ForGame matches messages whose payload belongs to the game.
func ForGame(gameID string) Predicate {
	return func(m protocol.Message) bool { return m.Payload.GameID == gameID }
}

// OfKind matches any of the given message kinds.
func OfKind(kinds ...protocol.Kind) Predicate {
	return func(m protocol.Message) bool { return slices.Contains(kinds, m.Kind) }
}

// OfEvent matches any of the given payload types.
func OfEvent(types ...protocol.EventType) Predicate {
	return func(m protocol.Message) bool { return slices.Contains(types, m.Payload.Type) }
}

// All combines predicates with logical AND. Nil entries are ignored.
func All(preds ...Predicate) Predicate {
	return func(m protocol.Message) bool {
		for _, p := range preds {
			if p != nil && !p(m) {
				return false
			}
		}
		return true
	}
}
