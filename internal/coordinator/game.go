package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/whisperhouse/internal/config"
	"github.com/dreamware/whisperhouse/internal/phase"
)

// Channel is a persistent chat channel of a game. Messages landing in it
// spend the author's budget while the game is in the channel's phase.
type Channel struct {
	ID      string
	GameID  string
	Phase   phase.Phase // Empty for a channel counted in every phase
	Members []string    // Empty means every participant of the game
	Quota   int
}

// ChannelConfig describes a channel to create. An empty ID is generated and
// a zero Quota takes the game's lobby budget.
type ChannelConfig struct {
	ID      string
	Phase   phase.Phase
	Members []string
	Quota   int
}

type channelState struct {
	Channel
	cancel   context.CancelFunc // Stops the relay watcher
	mu       sync.Mutex
	ended    bool
	endedSeq uint64 // Machine seq of the phase instance whose round ended
}

// Game is one running game: its roster, its channels and its phase machine.
// Game satisfies phase.Roster.
type Game struct {
	CreatedAt time.Time
	Settings  config.Settings
	ID        string

	machine      *phase.Machine
	participants []string
	inactive     map[string]struct{}
	channels     map[string]*channelState
	mu           sync.RWMutex

	persistMu    sync.Mutex
	persistedSeq uint64
}

func newGame(id string, participants []string, settings config.Settings, createdAt time.Time) *Game {
	return &Game{
		ID:           id,
		Settings:     settings,
		CreatedAt:    createdAt,
		participants: slices.Clone(participants),
		inactive:     make(map[string]struct{}),
		channels:     make(map[string]*channelState),
	}
}

// Machine returns the game's phase machine.
func (g *Game) Machine() *phase.Machine { return g.machine }

// Participants returns every participant in join order.
func (g *Game) Participants() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.participants)
}

// Active returns the participants not marked inactive, in join order.
func (g *Game) Active() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.participants))
	for _, id := range g.participants {
		if _, gone := g.inactive[id]; !gone {
			out = append(out, id)
		}
	}
	return out
}

// Has reports whether id is a participant of the game.
func (g *Game) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Contains(g.participants, id)
}

// IsActive reports whether id is a participant that is not marked inactive.
func (g *Game) IsActive(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, gone := g.inactive[id]
	return !gone && slices.Contains(g.participants, id)
}

func (g *Game) setActive(id string, active bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !slices.Contains(g.participants, id) {
		return false
	}
	_, gone := g.inactive[id]
	if active {
		delete(g.inactive, id)
	} else {
		g.inactive[id] = struct{}{}
	}
	return gone == active
}

// Channels returns the game's channels ordered by id.
func (g *Game) Channels() []Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		c := ch.Channel
		c.Members = slices.Clone(c.Members)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Channel returns one of the game's channels.
func (g *Game) Channel(id string) (Channel, bool) {
	ch := g.channel(id)
	if ch == nil {
		return Channel{}, false
	}
	c := ch.Channel
	c.Members = slices.Clone(c.Members)
	return c, true
}

func (g *Game) channel(id string) *channelState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.channels[id]
}

func (g *Game) addChannel(ch *channelState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[ch.ID] = ch
}

// channelsFor lists the channels whose budgets reset when p starts: those
// scoped to p and those counted in every phase.
func (g *Game) channelsFor(p phase.Phase) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []string
	for id, ch := range g.channels {
		if ch.Phase == p || ch.Phase == "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// expectedIn returns the active participants whose budgets end a round in ch.
func (g *Game) expectedIn(ch *channelState) []string {
	active := g.Active()
	if len(ch.Members) == 0 {
		return active
	}
	out := make([]string, 0, len(ch.Members))
	for _, id := range ch.Members {
		if slices.Contains(active, id) {
			out = append(out, id)
		}
	}
	return out
}

func (g *Game) stopWatchers() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, ch := range g.channels {
		if ch.cancel != nil {
			ch.cancel()
		}
	}
}
