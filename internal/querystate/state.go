package querystate

import (
	"fmt"
	"time"
)

// State is the execution state of one query identity.
type State string

const (
	Unknown   State = "unknown"
	Queued    State = "queued"
	Running   State = "running"
	Completed State = "completed"
	Errored   State = "errored"
)

// States lists every state in lifecycle order.
var States = []State{Unknown, Queued, Running, Completed, Errored}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case Unknown, Queued, Running, Completed, Errored:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s ends an execution.
func IsTerminal(s State) bool {
	return s == Completed || s == Errored
}

// IsActive reports whether an execution is pending or in progress.
func IsActive(s State) bool {
	return s == Queued || s == Running
}

// Rank orders states along the lifecycle. Within one execution a state is
// never followed by a state of lower rank; only a retry from Errored starts
// over at Queued.
func Rank(s State) int {
	switch s {
	case Unknown:
		return 0
	case Queued:
		return 1
	case Running:
		return 2
	case Completed, Errored:
		return 3
	default:
		return -1
	}
}

// Record is the stored state of one identity.
//
// Attempt numbers executions: every move to Queued increments it, and every
// later transition of that execution must name it. A worker holding an old
// attempt therefore cannot touch the record of a newer one.
type Record struct {
	ID        string
	State     State
	Attempt   int64
	Message   string    // error summary when Errored
	UpdatedAt time.Time // time of the last transition; zero for Unknown
}

// allowed is the transition table. Errored -> Queued is the retry path;
// Queued -> Errored is only taken when reclaiming a stuck entry.
var allowed = map[State][]State{
	Unknown: {Queued},
	Errored: {Queued},
	Queued:  {Running, Errored},
	Running: {Completed, Errored},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an attempt to make a transition the table forbids.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("disallowed transition for %s: %s -> %s", e.ID, e.From, e.To)
}
