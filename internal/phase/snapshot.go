package phase

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dreamware/whisperhouse/internal/storage"
)

// Snapshot is the minimal state needed to resume a machine.
type Snapshot struct {
	TimerEndsAt time.Time
	GameID      string
	Phase       Phase
	Previous    Phase
	WrapUp      Step
	Stalled     string // Readiness kind of a timed-out barrier, if any
	Round       int
	Seq         uint64
}

// Pairs encodes the snapshot as ordered key/value pairs.
func (s Snapshot) Pairs() storage.Pairs {
	var p storage.Pairs
	p.Set("game_id", s.GameID)
	p.Set("phase", string(s.Phase))
	p.Set("previous", string(s.Previous))
	p.SetInt("round", s.Round)
	p.Set("seq", strconv.FormatUint(s.Seq, 10))
	p.Set("wrap_up", string(s.WrapUp))
	p.SetTime("timer_ends_at", s.TimerEndsAt)
	p.Set("stalled", s.Stalled)
	return p
}

// SnapshotFromPairs decodes pairs written by Snapshot.Pairs.
func SnapshotFromPairs(p storage.Pairs) (Snapshot, error) {
	s := Snapshot{
		GameID:  p.String("game_id"),
		Stalled: p.String("stalled"),
		WrapUp:  parseStep(p.String("wrap_up")),
	}

	var err error
	if s.Phase, err = Parse(p.String("phase")); err != nil {
		return Snapshot{}, err
	}
	if prev := p.String("previous"); prev != "" {
		if s.Previous, err = Parse(prev); err != nil {
			return Snapshot{}, err
		}
	}
	if s.Round, err = p.Int("round"); err != nil {
		return Snapshot{}, err
	}
	if v := p.String("seq"); v != "" {
		if s.Seq, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Snapshot{}, fmt.Errorf("field seq: %w", err)
		}
	}
	if s.TimerEndsAt, err = p.Time("timer_ends_at"); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}
