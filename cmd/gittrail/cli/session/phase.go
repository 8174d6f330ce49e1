package session

import (
	"errors"
	"fmt"
	"strings"
)

// Phase is the lifecycle state of a Session.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseOpening Phase = "opening"
	PhaseOpen    Phase = "open"
	PhaseClosing Phase = "closing"
	PhaseClosed  Phase = "closed"
)

// allPhases lists every canonical phase, in lifecycle order.
var allPhases = []Phase{PhaseIdle, PhaseOpening, PhaseOpen, PhaseClosing, PhaseClosed}

// IsActive reports whether a session in this phase owns an active record.
func (p Phase) IsActive() bool {
	return p == PhaseOpen || p == PhaseClosing
}

// Event drives a phase transition.
type Event int

const (
	// EventOpen is a caller's request to open the session.
	EventOpen Event = iota
	// EventOpened marks a written open record.
	EventOpened
	// EventOpenFailed marks an aborted open; nothing was written.
	EventOpenFailed
	// EventClose is a caller's request to close the session.
	EventClose
	// EventClosed marks a written closed record.
	EventClosed
	// EventCloseFailed marks an aborted close; the record is still active.
	EventCloseFailed
)

var allEvents = []Event{EventOpen, EventOpened, EventOpenFailed, EventClose, EventClosed, EventCloseFailed}

func (e Event) String() string {
	switch e {
	case EventOpen:
		return "Open"
	case EventOpened:
		return "Opened"
	case EventOpenFailed:
		return "OpenFailed"
	case EventClose:
		return "Close"
	case EventClosed:
		return "Closed"
	case EventCloseFailed:
		return "CloseFailed"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// ErrInvalidTransition is the programming error of driving a session out of
// order, for example closing a session that was never opened.
var ErrInvalidTransition = errors.New("invalid session transition")

// TransitionError describes a rejected transition.
type TransitionError struct {
	From  Phase
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s in phase %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type transitionKey struct {
	from  Phase
	event Event
}

var transitions = map[transitionKey]Phase{
	{PhaseIdle, EventOpen}:           PhaseOpening,
	{PhaseOpening, EventOpened}:      PhaseOpen,
	{PhaseOpening, EventOpenFailed}:  PhaseIdle,
	{PhaseOpen, EventClose}:          PhaseClosing,
	{PhaseClosing, EventClosed}:      PhaseClosed,
	{PhaseClosing, EventCloseFailed}: PhaseOpen,
}

// Transition returns the phase reached from current on event.
func Transition(current Phase, event Event) (Phase, error) {
	next, ok := transitions[transitionKey{current, event}]
	if !ok {
		return current, &TransitionError{From: current, Event: event}
	}
	return next, nil
}

// MermaidDiagram renders the transition table as a Mermaid state diagram.
func MermaidDiagram() string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	for _, p := range allPhases {
		fmt.Fprintf(&b, "    state \"%s\" as %s\n", strings.ToUpper(string(p)), p)
	}
	fmt.Fprintf(&b, "    [*] --> %s\n", PhaseIdle)
	for _, from := range allPhases {
		for _, event := range allEvents {
			if to, ok := transitions[transitionKey{from, event}]; ok {
				fmt.Fprintf(&b, "    %s --> %s : %s\n", from, to, event)
			}
		}
	}
	fmt.Fprintf(&b, "    %s --> [*]\n", PhaseClosed)
	return b.String()
}
