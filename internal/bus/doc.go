// Package bus is the coordination bus every participant talks through.
//
// Publish never blocks and never fails: each subscription owns an unbounded
// queue drained by its own goroutine, so messages from one publisher reach
// every subscriber in publish order. A handler that returns an error or
// panics is reported as a *DeliveryError and the other subscribers are not
// affected.
//
// Handler and Dial carry the same bus over a WebSocket, so a participant
// process sees a Remote with the interface of the in-process Bus.
package bus
