// Package coordinator implements the game coordination layer of the house:
// the registry of running games, message ingestion for their channels, and
// participant liveness tracking.
//
// # Overview
//
// Every game owns a phase machine, a roster and a set of persistent,
// phase-scoped channels. The registry wires each machine to the shared
// trackers and is the only place that turns "a message landed in a channel"
// into a round-end trigger.
//
// # Architecture
//
//	┌──────────────────────────────────────┐
//	│              COORDINATOR             │
//	├──────────────────────────────────────┤
//	│                                      │
//	│  ┌────────────────────────────────┐  │
//	│  │  Registry                      │  │
//	│  │  - game and channel lookups    │  │
//	│  │  - channel watchers            │  │
//	│  │  - round-end detection         │  │
//	│  │  - persistence and restore     │  │
//	│  └────────────────────────────────┘  │
//	│                                      │
//	│  ┌────────────────────────────────┐  │
//	│  │  HeartbeatMonitor              │  │
//	│  │  - heartbeat and ack tracking  │  │
//	│  │  - inactive after N misses     │  │
//	│  └────────────────────────────────┘  │
//	│                                      │
//	└──────────────────────────────────────┘
//
// # Message Flow
//
//	participant ──Send──▶ relay ──StreamMessages──▶ Registry.OnChannelMessage
//	                                                    │
//	                                   capacity.Consume / AllExhausted
//	                                                    │
//	                                 ROUND_ENDED + Machine.RoundEnded (once)
//
// A round ends at most once per phase instance. The channel remembers the
// machine sequence number in which its round ended; entering the phase again
// produces a new sequence number and re-opens the round.
//
// # Liveness
//
// Barrier expectations and round ends count only active participants. The
// HeartbeatMonitor marks a participant inactive after HeartbeatMaxMisses
// silent intervals and active again on the next heartbeat or ack.
//
// # Persistence
//
// When a store is configured, the registry writes a game's roster and
// settings on creation, each channel's budget on every counted message, open
// whisper rooms on every change and a phase snapshot on every transition.
// Restore rebuilds the game from those records.
package coordinator
