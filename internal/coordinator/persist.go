package coordinator

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/whisperhouse/internal/capacity"
	"github.com/dreamware/whisperhouse/internal/config"
	"github.com/dreamware/whisperhouse/internal/phase"
	"github.com/dreamware/whisperhouse/internal/rooms"
	"github.com/dreamware/whisperhouse/internal/storage"
)

// Store layout, one record per key, every record a storage.Pairs:
//
//	games/<id>/meta              participants, settings, created_at
//	games/<id>/phase             phase.Snapshot
//	games/<id>/channels/<ch>     channel definition and its capacity record
//	games/<id>/rooms/<room>      open whisper room and its counters
func gameKey(gameID string, parts ...string) string {
	return strings.Join(append([]string{"games", gameID}, parts...), "/")
}

func sortedKeys(m map[string]int) []string {
	return slices.Sorted(maps.Keys(m))
}

func metaPairs(g *Game) (storage.Pairs, error) {
	settings, err := g.Settings.Encode()
	if err != nil {
		return nil, err
	}
	var p storage.Pairs
	p.Set("id", g.ID)
	p.SetTime("created_at", g.CreatedAt)
	p.SetList("participants", g.Participants())
	p.Set("settings", string(settings))
	return p, nil
}

func gameFromPairs(p storage.Pairs) (*Game, error) {
	settings, err := config.ParseSettings([]byte(p.String("settings")))
	if err != nil {
		return nil, err
	}
	created, err := p.Time("created_at")
	if err != nil {
		return nil, err
	}
	id := p.String("id")
	if id == "" {
		return nil, errors.New("game record without id")
	}
	return newGame(id, p.List("participants"), settings, created), nil
}

func channelPairs(ch *channelState, rec capacity.Record) storage.Pairs {
	var p storage.Pairs
	p.Set("id", ch.ID)
	p.Set("phase", string(ch.Phase))
	p.SetList("members", ch.Members)
	p.SetInt("quota", ch.Quota)
	if ch.ended {
		p.Set("ended_seq", strconv.FormatUint(ch.endedSeq, 10))
	}
	for _, id := range sortedKeys(rec.Remaining) {
		p.SetInt("remaining/"+id, rec.Remaining[id])
	}
	return p
}

func channelFromPairs(gameID string, p storage.Pairs) (*channelState, capacity.Record, error) {
	ch := &channelState{Channel: Channel{
		ID:      p.String("id"),
		GameID:  gameID,
		Members: p.List("members"),
	}}
	if v := p.String("phase"); v != "" {
		ph, err := phase.Parse(v)
		if err != nil {
			return nil, capacity.Record{}, err
		}
		ch.Phase = ph
	}
	var err error
	if ch.Quota, err = p.Int("quota"); err != nil {
		return nil, capacity.Record{}, err
	}
	if v, ok := p.Get("ended_seq"); ok {
		if ch.endedSeq, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, capacity.Record{}, fmt.Errorf("field ended_seq: %w", err)
		}
		ch.ended = true
	}

	rec := capacity.Record{Quota: ch.Quota, Remaining: make(map[string]int)}
	for _, kv := range p.WithPrefix("remaining") {
		n, err := strconv.Atoi(kv.Value)
		if err != nil {
			return nil, capacity.Record{}, fmt.Errorf("field remaining/%s: %w", kv.Key, err)
		}
		rec.Remaining[kv.Key] = n
	}
	return ch, rec, nil
}

func roomPairs(r rooms.Room) storage.Pairs {
	var p storage.Pairs
	p.Set("id", r.ID)
	p.Set("owner", r.Owner)
	p.SetList("participants", r.Participants)
	p.SetTime("created_at", r.CreatedAt)
	p.SetInt("max_participants", r.Caps.MaxParticipants)
	p.SetInt("max_messages", r.Caps.MaxMessagesPerParticipant)
	p.Set("idle_timeout", r.Caps.IdleTimeout.String())
	for _, id := range sortedKeys(r.Sent) {
		p.SetInt("sent/"+id, r.Sent[id])
	}
	return p
}

func roomFromPairs(gameID string, p storage.Pairs) (rooms.Room, error) {
	r := rooms.Room{
		ID:           p.String("id"),
		GameID:       gameID,
		Owner:        p.String("owner"),
		Participants: p.List("participants"),
		Sent:         make(map[string]int),
	}
	var err error
	if r.CreatedAt, err = p.Time("created_at"); err != nil {
		return rooms.Room{}, err
	}
	if r.Caps.MaxParticipants, err = p.Int("max_participants"); err != nil {
		return rooms.Room{}, err
	}
	if r.Caps.MaxMessagesPerParticipant, err = p.Int("max_messages"); err != nil {
		return rooms.Room{}, err
	}
	if v := p.String("idle_timeout"); v != "" {
		if r.Caps.IdleTimeout, err = time.ParseDuration(v); err != nil {
			return rooms.Room{}, fmt.Errorf("field idle_timeout: %w", err)
		}
	}
	for _, kv := range p.WithPrefix("sent") {
		n, err := strconv.Atoi(kv.Value)
		if err != nil {
			return rooms.Room{}, fmt.Errorf("field sent/%s: %w", kv.Key, err)
		}
		r.Sent[kv.Key] = n
	}
	return r, nil
}
