// Package capacity tracks per-channel, per-participant message budgets.
//
// A budget is the backpressure signal of a round: every message a participant
// sends into a tracked channel spends one unit, and once every participant of
// the channel has spent its quota the round is over.
package capacity
