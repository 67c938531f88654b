package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// Version is the coordination protocol version stamped on every message.
const Version = "1.0"

// HouseID is the participant id the moderator publishes under.
const HouseID = "house"

// ErrUnsupportedVersion is returned by Decode for messages from another protocol version.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// Kind classifies a coordination message.
type Kind string

const (
	KindGameEvent Kind = "game_event"
	KindReady     Kind = "ready"
	KindHeartbeat Kind = "heartbeat"
	KindAck       Kind = "ack"
)

// Scope is the addressing mode of a Target.
type Scope string

const (
	ScopeAll    Scope = "all"
	ScopeOthers Scope = "others"
	ScopeList   Scope = "list"
)

// Target selects which participants a message is addressed to.
// On the wire it is either the string "all", the string "others",
// or a JSON array of participant ids.
type Target struct {
	Scope Scope
	IDs   []string
}

// All addresses every participant, including the sender.
func All() Target { return Target{Scope: ScopeAll} }

// Others addresses every participant except the sender.
func Others() Target { return Target{Scope: ScopeOthers} }

// To addresses an explicit list of participants.
func To(ids ...string) Target {
	return Target{Scope: ScopeList, IDs: slices.Clone(ids)}
}

// MarshalJSON encodes the selector in its wire form.
func (t Target) MarshalJSON() ([]byte, error) {
	switch t.Scope {
	case ScopeAll, ScopeOthers:
		return json.Marshal(string(t.Scope))
	case ScopeList:
		ids := t.IDs
		if ids == nil {
			ids = []string{}
		}
		return json.Marshal(ids)
	default:
		return nil, fmt.Errorf("unknown target scope %q", t.Scope)
	}
}

// UnmarshalJSON decodes either a scope string or an id list.
func (t *Target) UnmarshalJSON(data []byte) error {
	var scope string
	if err := json.Unmarshal(data, &scope); err == nil {
		switch Scope(scope) {
		case ScopeAll, ScopeOthers:
			*t = Target{Scope: Scope(scope)}
			return nil
		}
		return fmt.Errorf("unknown target scope %q", scope)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("target must be \"all\", \"others\" or an id list: %w", err)
	}
	*t = Target{Scope: ScopeList, IDs: ids}
	return nil
}

// Message is the immutable envelope used for all cross-participant signalling.
// Values are copied on construction; consumers must treat them as read-only.
type Message struct {
	Version   string  `json:"version"`
	Kind      Kind    `json:"kind"`
	Source    string  `json:"sourceParticipant"`
	Target    Target  `json:"target"`
	ID        string  `json:"messageId"`
	Timestamp int64   `json:"timestamp"`
	Payload   Payload `json:"payload"`
}

// New stamps a fresh message with the protocol version, a unique id and the
// current time in epoch milliseconds.
func New(kind Kind, source string, target Target, payload Payload) Message {
	return Message{
		Version:   Version,
		Kind:      kind,
		Source:    source,
		Target:    Target{Scope: target.Scope, IDs: slices.Clone(target.IDs)},
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload.clone(),
	}
}

// Event builds a game_event message from the house to every participant.
func Event(payload Payload) Message {
	return New(KindGameEvent, HouseID, All(), payload)
}

// Targets reports whether the participant id is addressed by the message.
// Messages sent to "others" are never addressed to their own sender.
func (m Message) Targets(id string) bool {
	switch m.Target.Scope {
	case ScopeAll:
		return true
	case ScopeOthers:
		return id != m.Source
	case ScopeList:
		return slices.Contains(m.Target.IDs, id)
	default:
		return false
	}
}

// Is reports whether the message carries the given event type.
func (m Message) Is(t EventType) bool {
	return m.Payload.Type == t
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Encode serialises a message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a JSON wire message and validates its version and id.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Version != Version {
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, m.Version)
	}
	if m.ID == "" {
		return Message{}, errors.New("decode message: missing messageId")
	}
	return m, nil
}
