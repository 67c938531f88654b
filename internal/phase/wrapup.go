package phase

import "github.com/dreamware/whisperhouse/internal/protocol"

// Step is the position of the WHISPER wrap-up sub-machine. Leaving WHISPER
// takes two readiness barriers in a fixed order: every participant finishes
// strategic thinking before any diary-room entry is solicited.
//
//	idle ──(timer / moderator)──▶ strategic_thinking ──(barrier)──▶ diary_room ──(barrier)──▶ done
//
// Only a machine whose wrap-up reached done accepts the WHISPER → RUMOR barrier trigger.
type Step string

const (
	StepIdle              Step = "idle"
	StepStrategicThinking Step = "strategic_thinking"
	StepDiaryRoom         Step = "diary_room"
	StepDone              Step = "done"
)

// Kind returns the readiness kind awaited while the sub-machine is at s.
func (s Step) Kind() string {
	switch s {
	case StepStrategicThinking:
		return protocol.ReadyStrategicThinking
	case StepDiaryRoom:
		return protocol.ReadyDiaryRoom
	}
	return ""
}

// Next returns the step reached once the barrier of s is satisfied.
func (s Step) Next() Step {
	switch s {
	case StepIdle:
		return StepStrategicThinking
	case StepStrategicThinking:
		return StepDiaryRoom
	case StepDiaryRoom:
		return StepDone
	}
	return StepDone
}

// Awaiting reports whether a barrier is outstanding at s.
func (s Step) Awaiting() bool {
	return s == StepStrategicThinking || s == StepDiaryRoom
}

func parseStep(s string) Step {
	switch Step(s) {
	case StepIdle, StepStrategicThinking, StepDiaryRoom, StepDone:
		return Step(s)
	}
	return ""
}
