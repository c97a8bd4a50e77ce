package turn

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase names one stage of a conversational turn. A turn walks the phases
// in order; interrupts received while recording or transcribing can jump
// back to PhaseSpeak or PhasePause instead of moving forward.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSpeak
	PhasePause
	PhaseSignalListen
	PhaseRecord
	PhaseSignalDone
	PhaseTranscribe
	PhasePostProcess
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSpeak:
		return "speak"
	case PhasePause:
		return "pause"
	case PhaseSignalListen:
		return "signal_listen"
	case PhaseRecord:
		return "record"
	case PhaseSignalDone:
		return "signal_done"
	case PhaseTranscribe:
		return "transcribe"
	case PhasePostProcess:
		return "post_process"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// validTransitions is the full phase graph. Forward edges carry the normal
// flow; the back edges out of record and transcribe are the interrupt
// paths, and the edges into post_process cover skip-transcription and
// cancellation.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseSpeak},
	PhaseSpeak:        {PhasePause, PhasePostProcess},
	PhasePause:        {PhaseSignalListen},
	PhaseSignalListen: {PhaseRecord},
	PhaseRecord:       {PhaseSignalDone, PhaseSpeak, PhasePause, PhasePostProcess},
	PhaseSignalDone:   {PhaseTranscribe, PhasePostProcess},
	PhaseTranscribe:   {PhasePostProcess, PhaseSpeak, PhasePause},
	PhasePostProcess:  {PhaseDone},
}

func transitionValid(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a phase jump outside the graph.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return "invalid phase transition from " + e.From.String() + " to " + e.To.String()
}

// PhaseChange is a phase transition event delivered to listeners.
type PhaseChange struct {
	From   Phase
	To     Phase
	At     time.Time
	Reason string
}

// PhaseListener observes turn phase changes.
type PhaseListener interface {
	OnPhaseChange(event PhaseChange)
}

// machine tracks the current phase of one turn and validates every move.
// Create one per turn, discard with the turn.
type machine struct {
	mu        sync.Mutex
	phase     Phase
	listeners []PhaseListener
}

func newMachine(listeners []PhaseListener) *machine {
	return &machine{phase: PhaseIdle, listeners: listeners}
}

func (m *machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Transition moves to the next phase, rejecting jumps outside the graph.
// Listeners run without the lock held.
func (m *machine) Transition(to Phase, reason string) error {
	m.mu.Lock()
	from := m.phase
	if !transitionValid(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.phase = to
	listeners := m.listeners
	m.mu.Unlock()

	event := PhaseChange{From: from, To: to, At: time.Now(), Reason: reason}
	for _, l := range listeners {
		l.OnPhaseChange(event)
	}
	return nil
}

// Interrupt is a control signal delivered to a turn in flight. Repeat and
// wait are honored while recording or transcribing; cancel ends the turn
// with whatever was captured so far.
type Interrupt int

const (
	InterruptRepeat Interrupt = iota
	InterruptWait
	InterruptCancel
)

func (i Interrupt) String() string {
	switch i {
	case InterruptRepeat:
		return "repeat"
	case InterruptWait:
		return "wait"
	case InterruptCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// ParseInterrupt maps a wire name to an Interrupt.
func ParseInterrupt(s string) (Interrupt, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "repeat":
		return InterruptRepeat, nil
	case "wait":
		return InterruptWait, nil
	case "cancel":
		return InterruptCancel, nil
	default:
		return 0, fmt.Errorf("unknown interrupt %q", s)
	}
}

// Outcome is how a finished turn ended.
type Outcome int

const (
	outcomeUnset Outcome = iota // internal; a finished turn always has one of the below
	OutcomeCompleted
	OutcomeNoSpeech
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeNoSpeech:
		return "no_speech"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
