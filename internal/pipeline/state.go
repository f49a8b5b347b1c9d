package pipeline

import "time"

// State is the orchestrator's turn state
type State int

const (
	Listening State = iota
	Transcribing
	Translating
	Speaking
	Reconfiguring
)

func (s State) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case Transcribing:
		return "TRANSCRIBING"
	case Translating:
		return "TRANSLATING"
	case Speaking:
		return "SPEAKING"
	case Reconfiguring:
		return "RECONFIGURING"
	default:
		return "UNKNOWN"
	}
}

// Outcome is how a turn ended
type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeEmpty               Outcome = "empty"
	OutcomeTranscriptionFailed Outcome = "transcription_failed"
	OutcomeTranslationFailed   Outcome = "translation_failed"
	OutcomeSynthesisFailed     Outcome = "synthesis_failed"
	OutcomeInterrupted         Outcome = "interrupted"
	OutcomeAborted             Outcome = "aborted"
)

// Reconfiguration results reported to observers
const (
	ReconfigApplied   = "applied"
	ReconfigQueued    = "queued"
	ReconfigNoop      = "noop"
	ReconfigMalformed = "malformed"
)

// Observer receives pipeline events. Calls are made synchronously from the
// goroutine that caused them and must not block.
type Observer interface {
	OnTransition(from, to State)
	OnTurn(outcome Outcome, elapsed time.Duration)
	OnStage(stage string, elapsed time.Duration)
	OnBargeIn()
	OnReconfiguration(result string)
	OnUtteranceDropped()
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) OnTransition(from, to State)                   {}
func (NopObserver) OnTurn(outcome Outcome, elapsed time.Duration) {}
func (NopObserver) OnStage(stage string, elapsed time.Duration)   {}
func (NopObserver) OnBargeIn()                                    {}
func (NopObserver) OnReconfiguration(result string)               {}
func (NopObserver) OnUtteranceDropped()                           {}
