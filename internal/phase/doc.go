// Package phase implements the per-game phase state machine.
//
// A game moves through INIT → INTRODUCTION → LOBBY → WHISPER → RUMOR → VOTE →
// POWER → REVEAL, loops REVEAL → VOTE for every further round, and stops in
// END. Each edge admits a fixed set of triggers; any other (phase, trigger)
// pair is rejected and leaves the machine where it was.
package phase
