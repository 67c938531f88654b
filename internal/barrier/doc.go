// Package barrier tracks readiness barriers: named contexts in which a known
// number of participants must each signal once before the caller proceeds.
//
// A context is keyed by game, room and readiness kind. Signals count by
// participant identity, so a repeated signal is absorbed and arrival order is
// kept only as the reported order of readiness. AwaitAll resolves a context
// exactly once, either with the full ready list or with a *TimeoutError that
// carries the partial one, and removes the context in the same step.
//
// Example:
//
//	t := barrier.NewTracker(logger)
//	key := barrier.Key{GameID: id, RoomID: "intro", Kind: "phase_action"}
//	ready, err := t.AwaitAll(ctx, key, 3, 2*time.Minute)
//	if errors.Is(err, barrier.ErrBarrierTimeout) {
//		// err.(*barrier.TimeoutError).Ready lists who made it
//	}
package barrier
