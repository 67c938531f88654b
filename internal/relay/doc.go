// Package relay delivers human-readable chat messages to game channels.
//
// The coordination engine never reads chat content; it only needs to know
// that a message landed in a channel so it can spend the author's budget.
// Relays are therefore small: send a message, stream what arrives.
package relay
